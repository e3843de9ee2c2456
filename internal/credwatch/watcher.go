// Package credwatch watches a JSON credentials file on disk and forces a
// reconnect through the facade whenever its contents change, grounded on
// the fsnotify-plus-debounce watcher shape used for codebase reindexing in
// the pack (see jeranaias-rigrun/go-tui/internal/index/watcher.go).
package credwatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reconnector is the subset of pkg/chatline.Client the watcher drives.
type Reconnector interface {
	Reconnect(ctx context.Context, conversationID, token string) error
}

// Credentials is the on-disk shape the watched file must decode into.
type Credentials struct {
	Token          string `json:"token"`
	ConversationID string `json:"conversationId"`
}

// Watcher reloads Credentials from path and calls Reconnect whenever the
// file's content actually changes (not merely touched), debounced so a
// burst of writes from an external credential-rotation tool collapses into
// one reconnect.
type Watcher struct {
	path     string
	client   Reconnector
	debounce time.Duration
	log      *log.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc

	mu          sync.Mutex
	lastContent []byte
}

// New constructs a Watcher for the credentials file at path. Call Watch to
// start it.
func New(path string, client Reconnector, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("credwatch: new fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("credwatch: watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{
		path:     path,
		client:   client,
		debounce: debounce,
		log:      log.New(log.Writer(), "[credwatch] ", log.LstdFlags),
		watcher:  fsw,
	}, nil
}

// Watch loads the file once up front (non-fatal if absent) and then reacts
// to write/create events on it until ctx is canceled.
func (w *Watcher) Watch(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.reload(ctx)

	var debounceTimer *time.Timer
	pending := make(chan struct{}, 1)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.debounce, func() {
					select {
					case pending <- struct{}{}:
					default:
					}
				})
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.Printf("watch error: %v", err)
			}
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pending:
				w.reload(ctx)
			}
		}
	}()
}

// reload reads the credentials file; if its content differs from the last
// seen content, it calls Reconnect.
func (w *Watcher) reload(ctx context.Context) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Printf("read %s: %v", w.path, err)
		}
		return
	}

	w.mu.Lock()
	unchanged := w.lastContent != nil && bytes.Equal(data, w.lastContent)
	w.mu.Unlock()
	if unchanged {
		return
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		w.log.Printf("decode %s: %v", w.path, err)
		return
	}
	if creds.Token == "" {
		w.log.Printf("%s has no token field, ignoring", w.path)
		return
	}

	reconnectCtx, reconnectCancel := context.WithTimeout(ctx, 30*time.Second)
	defer reconnectCancel()
	if err := w.client.Reconnect(reconnectCtx, creds.ConversationID, creds.Token); err != nil {
		w.log.Printf("reconnect after credential change: %v", err)
		return
	}

	w.mu.Lock()
	w.lastContent = data
	w.mu.Unlock()
	w.log.Printf("reconnected with rotated credentials from %s", w.path)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	return w.watcher.Close()
}
