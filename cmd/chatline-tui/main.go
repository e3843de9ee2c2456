// Command chatline-tui is a demo terminal client exercising pkg/chatline
// end-to-end: it connects, renders inbound activities, lets the user type
// and send messages, and serves an ambient status endpoint alongside an
// optional credential-file watcher.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/qzbxw/chatline/internal/config"
	"github.com/qzbxw/chatline/internal/credwatch"
	"github.com/qzbxw/chatline/internal/statusui"
	"github.com/qzbxw/chatline/pkg/chatline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatline-tui: %v\n", err)
		os.Exit(1)
	}

	client := chatline.New(*cfg)

	status := statusui.New(cfg.StatusAddr, client)
	go func() {
		if err := status.Serve(); err != nil {
			log.Printf("status server stopped: %v", err)
		}
	}()

	if path := os.Getenv("CHATLINE_CREDENTIALS_FILE"); path != "" {
		watcher, err := credwatch.New(path, client, 500*time.Millisecond)
		if err != nil {
			log.Printf("credential watcher disabled: %v", err)
		} else {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			watcher.Watch(ctx)
			defer watcher.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		client.End()
	}()

	program := tea.NewProgram(newModel(client), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatline-tui: %v\n", err)
		os.Exit(1)
	}
}
