package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearChatlineEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CHATLINE_DOMAIN", "CHATLINE_CONVERSATION_ID", "CHATLINE_BOT_AGENT",
		"CHATLINE_STATUS_ADDR", "CHATLINE_TOKEN", "CHATLINE_TOML_PATH",
	} {
		old, existed := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if existed {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoad_MissingTokenAndDomainFails(t *testing.T) {
	clearChatlineEnv(t)
	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "Token is required")
	require.Contains(t, err.Error(), "Domain is required")
}

func TestLoad_DomainMustBeHTTPURL(t *testing.T) {
	clearChatlineEnv(t)
	os.Setenv("CHATLINE_TOKEN", "tok")
	os.Setenv("CHATLINE_DOMAIN", "directline.botframework.com")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "must match ^https?://")
}

func TestLoad_ValidEnvSucceeds(t *testing.T) {
	clearChatlineEnv(t)
	os.Setenv("CHATLINE_TOKEN", "tok")
	os.Setenv("CHATLINE_DOMAIN", "https://directline.botframework.com")
	os.Setenv("CHATLINE_CONVERSATION_ID", "conv-1")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "tok", cfg.Token)
	require.Equal(t, "https://directline.botframework.com", cfg.Domain)
	require.Equal(t, "conv-1", cfg.ConversationID)
	require.Equal(t, ":8090", cfg.StatusAddr)
}
