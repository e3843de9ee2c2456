// Package outbound implements the two activity-posting paths described in
// spec.md §4.5: a plain JSON post and a multi-stream attachment upload.
package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/qzbxw/chatline/internal/stats"
	"github.com/qzbxw/chatline/internal/wire"
)

// postRateLimit and postBurst bound how fast the sender will submit
// activities to the remote service, the same token-bucket shape
// jeranaias-rigrun/go-tui's RBACManager uses to throttle per-action checks.
const (
	postRateLimit rate.Limit = 20 // activities/sec sustained
	postBurst     int        = 10
)

// Requester is the subset of transport.Adapter the sender drives. Outbound
// posts and uploads are requests framed over the same multiplexed
// connection the handshake uses, not a separate HTTP call — only token
// refresh and attachment retrieval talk to plain HTTP.
type Requester interface {
	Send(ctx context.Context, req *wire.Request) (*wire.Response, error)
}

// Disconnector lets the sender force a reconnect after a failed post,
// mirroring spec.md §4.5's "on any failure: disconnect the transport".
type Disconnector interface {
	Disconnect()
}

// Result is delivered on a post's per-call channel: either the
// server-assigned activity id, or a terminal error for that one call.
type Result struct {
	ID  string
	Err error
}

// Sender posts activities to an active connection.
type Sender struct {
	transport      Requester
	disc           Disconnector
	httpClient     *http.Client
	conversationID func() string
	limiter        *rate.Limiter
	counters       *stats.Counters
	log            *log.Logger
}

// New constructs a Sender. conversationID is a getter rather than a fixed
// string because the controller may learn or replace it across reconnects.
func New(transport Requester, disc Disconnector, conversationID func() string, counters *stats.Counters) *Sender {
	return &Sender{
		transport:      transport,
		disc:           disc,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		conversationID: conversationID,
		limiter:        rate.NewLimiter(postRateLimit, postBurst),
		counters:       counters,
		log:            log.New(log.Writer(), "[outbound] ", log.LstdFlags),
	}
}

// Post sends an activity and returns a channel that receives exactly one
// Result. Activities of type "message" carrying attachments take the
// upload path; everything else takes the plain post path. A per-Sender
// rate limiter paces submissions so a runaway caller can't flood the
// connection with posts faster than the remote service can ack them.
func (s *Sender) Post(ctx context.Context, activity wire.Activity) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		if err := s.limiter.Wait(ctx); err != nil {
			out <- Result{Err: fmt.Errorf("outbound: rate limit wait: %w", err)}
			return
		}
		var res Result
		if activity.Type == wire.MessageActivityType && len(activity.Attachments) > 0 {
			res = s.postWithAttachments(ctx, activity)
		} else {
			res = s.postPlain(ctx, activity)
		}
		if res.Err == nil {
			s.counters.IncActivitiesSent()
		}
		out <- res
	}()
	return out
}

func (s *Sender) postPlain(ctx context.Context, activity wire.Activity) Result {
	body, err := json.Marshal(activity)
	if err != nil {
		return Result{Err: fmt.Errorf("outbound: encode activity: %w", err)}
	}

	req := &wire.Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/v3/directline/conversations/%s/activities", s.conversationID()),
		Streams: []wire.OutboundStream{
			{ContentType: "application/json", ContentLength: int64(len(body)), Data: body},
		},
	}

	resp, err := s.transport.Send(ctx, req)
	if err != nil {
		return s.fail(fmt.Errorf("outbound: post activity: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return s.fail(fmt.Errorf("outbound: post activity: unexpected status %d", resp.StatusCode))
	}
	if len(resp.Streams) != 1 {
		return s.fail(fmt.Errorf("outbound: post activity: expected 1 response stream, got %d", len(resp.Streams)))
	}

	var decoded struct {
		ID string `json:"Id"`
	}
	if err := resp.Streams[0].JSON(&decoded); err != nil {
		return s.fail(fmt.Errorf("outbound: decode activity id: %w", err))
	}
	return Result{ID: decoded.ID}
}

// postWithAttachments implements spec.md §4.5's four-step upload path. All
// attachments are fetched before the upload request is sent, and framed in
// source order — see spec.md's "Ordering guarantee".
func (s *Sender) postWithAttachments(ctx context.Context, activity wire.Activity) Result {
	attachments := activity.Attachments
	streams := make([]wire.OutboundStream, 0, len(attachments)+1)

	for _, att := range attachments {
		data, err := s.fetchAttachment(ctx, att.ContentURL)
		if err != nil {
			return s.fail(fmt.Errorf("outbound: fetch attachment %s: %w", att.ContentURL, err))
		}
		streams = append(streams, wire.OutboundStream{
			ContentType:   att.ContentType,
			ContentLength: int64(len(data)),
			Data:          data,
		})
	}

	stripped := activity
	stripped.Attachments = nil
	body, err := json.Marshal(stripped)
	if err != nil {
		return s.fail(fmt.Errorf("outbound: encode activity: %w", err))
	}
	activityStream := wire.OutboundStream{
		ContentType:   "application/vnd.microsoft.activity",
		ContentLength: int64(len(body)),
		Data:          body,
	}
	streams = append([]wire.OutboundStream{activityStream}, streams...)

	fromID := ""
	if activity.From != nil {
		fromID = activity.From.ID
	}
	req := &wire.Request{
		Method:  http.MethodPut,
		Path:    fmt.Sprintf("/v3/directline/conversations/%s/users/%s/upload", s.conversationID(), fromID),
		Streams: streams,
	}

	resp, err := s.transport.Send(ctx, req)
	if err != nil {
		return s.fail(fmt.Errorf("outbound: upload attachments: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return s.fail(fmt.Errorf("outbound: upload attachments: unexpected status %d", resp.StatusCode))
	}

	if len(resp.Streams) == 0 {
		// Tolerated silently per spec.md §9, but logged: an upload whose
		// response carries no id is unusual enough to be worth a trace.
		s.log.Printf("upload response carried no streams; no activity id to publish")
		return Result{}
	}
	if len(resp.Streams) != 1 {
		return s.fail(fmt.Errorf("outbound: upload attachments: expected 0 or 1 response stream, got %d", len(resp.Streams)))
	}

	var decoded struct {
		ID string `json:"Id"`
	}
	if err := resp.Streams[0].JSON(&decoded); err != nil {
		return s.fail(fmt.Errorf("outbound: decode upload id: %w", err))
	}
	return Result{ID: decoded.ID}
}

func (s *Sender) fetchAttachment(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// fail logs and disconnects the transport, per spec.md §4.5: "On any
// failure: log, disconnect the transport, and signal the error on the
// per-call channel." The disconnection path owns retry; this call itself
// never retries.
func (s *Sender) fail(err error) Result {
	s.log.Printf("%v", err)
	s.disc.Disconnect()
	return Result{Err: err}
}
