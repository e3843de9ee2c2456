// Package refresh runs the background token-refresh loop described in
// spec.md §4.3: a single timer that keeps the bearer token alive and forces
// a disconnect when refreshing becomes impossible.
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/qzbxw/chatline/internal/wire"
)

// StatusWaiter is the subset of the controller's status broadcaster the
// refresher needs: the ability to block until the connection is Online. It
// does not report that the connection has ended; the refresher stops when
// its context is canceled.
type StatusWaiter interface {
	// AwaitOnline blocks until the connection reaches Online or ctx is
	// canceled, whichever comes first.
	AwaitOnline(ctx context.Context) error
}

// Disconnector is the controller's disconnect entry point, invoked by the
// refresher on fatal or exhausted refresh failures.
type Disconnector interface {
	Disconnect()
}

// TokenStore is the shared, mutex-free-to-the-caller current token. The
// controller reads it when constructing headers; the refresher writes it on
// successful rotation or clears it on exhaustion (wire.ErrAuthExhausted).
type TokenStore struct {
	mu    sync.RWMutex
	token string
	valid bool
}

// NewTokenStore seeds the store with the initial token.
func NewTokenStore(initial string) *TokenStore {
	return &TokenStore{token: initial, valid: true}
}

// Current returns the token and whether it is still usable.
func (s *TokenStore) Current() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.valid
}

// Set replaces the current token.
func (s *TokenStore) Set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.valid = true
}

// Exhaust clears the token, marking authentication as unrecoverable — the
// explicit replacement for the "null token as sentinel" pattern spec.md §9
// flags (see wire.ErrAuthExhausted).
func (s *TokenStore) Exhaust() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.valid = false
}

// Refresher owns the periodic POST /tokens/refresh loop.
type Refresher struct {
	domain   string
	botAgent string
	tokens   *TokenStore
	status   StatusWaiter
	disc     Disconnector
	client   *http.Client
	lifetime time.Duration
	maxRetry int
	log      *log.Logger
}

// New constructs a Refresher. lifetime is refreshTokenLifetime (default 30
// minutes); the refresher ticks at lifetime/2 unless a JWT exp claim on the
// current token suggests a shorter schedule.
func New(domain, botAgent string, tokens *TokenStore, status StatusWaiter, disc Disconnector, lifetime time.Duration, maxRetry int) *Refresher {
	return &Refresher{
		domain:   domain,
		botAgent: botAgent,
		tokens:   tokens,
		status:   status,
		disc:     disc,
		client:   &http.Client{Timeout: 20 * time.Second},
		lifetime: lifetime,
		maxRetry: maxRetry,
		log:      log.New(log.Writer(), "[refresh] ", log.LstdFlags),
	}
}

// Run drives the refresh loop until ctx is canceled (End()), a refresh
// returns 403/404, or the retry budget runs out. It schedules
// its own next tick rather than relying on a fixed ticker, so the JWT-exp
// enrichment in nextInterval can shorten or lengthen individual ticks.
func (r *Refresher) Run(ctx context.Context) {
	interval := r.lifetime / 2
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		retryBudget := r.maxRetry
		for {
			if ctx.Err() != nil {
				return
			}
			if err := r.status.AwaitOnline(ctx); err != nil {
				return
			}

			newToken, err := r.tick(ctx)
			if err == nil {
				r.tokens.Set(newToken)
				interval = r.nextInterval(newToken)
				break
			}
			if fe, ok := err.(*fatalAuthError); ok {
				r.log.Printf("fatal refresh error, disconnecting: %v", fe.err)
				r.disc.Disconnect()
				return
			}

			if retryBudget > 0 {
				retryBudget--
				r.log.Printf("refresh failed, retrying (%d left): %v", retryBudget, err)
				continue
			}
			r.log.Printf("refresh retries exhausted: %v", err)
			r.tokens.Exhaust()
			r.disc.Disconnect()
			return
		}

		timer.Reset(interval)
	}
}

type fatalAuthError struct{ err error }

func (e *fatalAuthError) Error() string { return e.err.Error() }

// tick performs one POST /tokens/refresh attempt, per spec.md §4.3 step 2-3.
func (r *Refresher) tick(ctx context.Context) (string, error) {
	token, valid := r.tokens.Current()
	if !valid {
		return "", fmt.Errorf("%w", wire.ErrAuthExhausted)
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.domain+"/tokens/refresh", nil)
	if err != nil {
		return "", fmt.Errorf("refresh: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-ms-bot-agent", wire.BotAgentHeader(r.botAgent))

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound {
		return "", &fatalAuthError{err: fmt.Errorf("refresh: fatal status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("refresh: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("refresh: decode response: %w", err)
	}
	return out.Token, nil
}

// nextInterval returns lifetime/2 unless token decodes as a JWT carrying an
// exp claim, in which case it returns min(exp-derived lifetime, lifetime)/2.
// Decoding is unverified on purpose: the client has no business validating a
// signature minted by the remote service, it only wants the exp hint.
func (r *Refresher) nextInterval(token string) time.Duration {
	fallback := r.lifetime / 2

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return fallback
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fallback
	}

	lifetime := time.Until(exp.Time)
	if lifetime <= 0 {
		return fallback
	}
	if lifetime > r.lifetime {
		lifetime = r.lifetime
	}
	return lifetime / 2
}
