// Package config handles loading and parsing chatline's configuration from
// environment variables, an optional .env bootstrap file, and an optional
// TOML override file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds the construction-time settings for a chatline Client.
type Config struct {
	// --- Core Settings ---
	Token          string `validate:"required"`         // Initial bearer token.
	Domain         string `validate:"required,httpurl"` // Must match ^https?://…; path is not rewritten.
	ConversationID string                                // Optional: resume an existing conversation.
	BotAgent       string                                // Optional: appended to the x-ms-bot-agent header.

	// --- Status server ---
	StatusAddr string // Address the ambient status HTTP server listens on.

	// --- Timeouts and Intervals ---
	RequestTimeout        time.Duration // Timeout for the handshake's connect and conversation-start requests; refresh and attachment fetches use a fixed 20s.
	RefreshTokenLifetime  time.Duration // Full lifetime of a token; the refresher ticks at half this.
	ReconnectDelayMin     time.Duration // Lower bound of the randomized reconnect backoff.
	ReconnectDelaySpread  time.Duration // Width of the randomized reconnect backoff window.
	MaxRetryCount         int           // Reconnect/refresh retry budget, reset on each success.

	// TOMLPath, if non-empty, names a TOML file whose [chatline] table
	// overrides the defaults above before environment variables are applied.
	TOMLPath string
}

// fileOverrides is the shape of the optional TOML override file.
type fileOverrides struct {
	Chatline struct {
		Domain         string `toml:"domain"`
		ConversationID string `toml:"conversation_id"`
		BotAgent       string `toml:"bot_agent"`
		StatusAddr     string `toml:"status_addr"`
	} `toml:"chatline"`
}

// Load layers defaults, then an optional TOML override, then environment
// variables, in that order of increasing precedence — matching
// qzbxw-EGO/internal/config.Load's getEnv/default layering extended with a
// file-based override tier. An optional .env file is loaded into the
// environment first (without replacing variables already set), so its
// entries count as environment variables and win over the TOML file.
func Load() (*Config, error) {
	// .env is best-effort: a missing file is not an error, exactly as
	// cmd/api/main.go tolerates its absence in production.
	_ = godotenv.Load()

	cfg := &Config{
		Domain:               getEnv("CHATLINE_DOMAIN", ""),
		ConversationID:       getEnv("CHATLINE_CONVERSATION_ID", ""),
		BotAgent:             getEnv("CHATLINE_BOT_AGENT", ""),
		StatusAddr:           getEnv("CHATLINE_STATUS_ADDR", ":8090"),
		RequestTimeout:       20 * time.Second,
		RefreshTokenLifetime: 30 * time.Minute,
		ReconnectDelayMin:    3 * time.Second,
		ReconnectDelaySpread: 12 * time.Second,
		MaxRetryCount:        3,
	}

	if path := getEnv("CHATLINE_TOML_PATH", "chatline.toml"); fileExists(path) {
		cfg.TOMLPath = path
		var overrides fileOverrides
		if _, err := toml.DecodeFile(path, &overrides); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		applyOverride(&cfg.Domain, overrides.Chatline.Domain)
		applyOverride(&cfg.ConversationID, overrides.Chatline.ConversationID)
		applyOverride(&cfg.BotAgent, overrides.Chatline.BotAgent)
		applyOverride(&cfg.StatusAddr, overrides.Chatline.StatusAddr)
	}

	// Environment variables win over the TOML file, matching CHATLINE_DOMAIN
	// etc. taking precedence the same way qzbxw-EGO's getEnv calls always
	// consult the environment last.
	if v, ok := os.LookupEnv("CHATLINE_DOMAIN"); ok {
		cfg.Domain = v
	}
	if v, ok := os.LookupEnv("CHATLINE_CONVERSATION_ID"); ok {
		cfg.ConversationID = v
	}
	if v, ok := os.LookupEnv("CHATLINE_BOT_AGENT"); ok {
		cfg.BotAgent = v
	}
	if v, ok := os.LookupEnv("CHATLINE_STATUS_ADDR"); ok {
		cfg.StatusAddr = v
	}

	cfg.Token = getEnv("CHATLINE_TOKEN", "")

	if err := validateCriticalConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverride sets *dst to v only when v is non-empty, so a TOML table
// that omits a key never clobbers the default already in *dst.
func applyOverride(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// validate mirrors the handler layer's *validator.Validate field: a single
// shared instance with the httpurl rule registered once at package init.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("httpurl", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
	})
	return v
}

func validateCriticalConfig(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var fields []string
		for _, fe := range err.(validator.ValidationErrors) {
			switch fe.Tag() {
			case "httpurl":
				fields = append(fields, fmt.Sprintf("%s must match ^https?://, got %q", fe.Field(), fe.Value()))
			default:
				fields = append(fields, fmt.Sprintf("%s is required", fe.Field()))
			}
		}
		return fmt.Errorf("config: %s", strings.Join(fields, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
