// Package inbound turns server-initiated transport requests into activities
// delivered to the facade's activity sink, per spec.md §4.2.
package inbound

import (
	"encoding/base64"
	"fmt"
	"log"
	"net/http"

	"github.com/qzbxw/chatline/internal/stats"
	"github.com/qzbxw/chatline/internal/wire"
)

// Event is what the handler publishes to Sink: either a successfully decoded
// activity or a terminal error (a malformed activity set).
type Event struct {
	Activity *wire.Activity
	Err      error
}

// Sink receives decoded activities and malformed-set errors, in order.
type Sink chan<- Event

// Queue decides, for each decoded activity, whether to buffer it in the
// startup backlog or deliver it straight to the sink. Routing and the
// queueing-flag check happen atomically inside Route so a flush racing a
// fresh Handle call can never interleave a buffered and a direct delivery
// out of order.
type Queue interface {
	Route(a wire.Activity)
}

// Handler processes one connection's worth of server-initiated requests. A
// fresh Handler is constructed per connection attempt (see SPEC_FULL.md §9,
// "disposable handler, stable sink"): the controller never rebinds a field
// on a live Handler, it builds a new one closing over the same Sink.
type Handler struct {
	sink     Sink
	queue    Queue
	counters *stats.Counters
	log      *log.Logger
}

// New constructs a Handler that routes decoded activities through queue,
// counting each one accepted on counters.
func New(sink Sink, queue Queue, counters *stats.Counters) *Handler {
	return &Handler{
		sink:     sink,
		queue:    queue,
		counters: counters,
		log:      log.New(log.Writer(), "[inbound] ", log.LstdFlags),
	}
}

// Handle implements wire.InboundHandler: spec.md §4.2 steps 1-5.
func (h *Handler) Handle(req *wire.InboundRequest) *wire.InboundResponse {
	if len(req.Streams) == 0 {
		h.fail(fmt.Errorf("%w: no streams in request", wire.ErrMalformedActivitySet))
		return &wire.InboundResponse{StatusCode: http.StatusInternalServerError}
	}

	var set wire.ActivitySet
	if err := req.Streams[0].JSON(&set); err != nil {
		h.fail(fmt.Errorf("%w: %v", wire.ErrMalformedActivitySet, err))
		return &wire.InboundResponse{StatusCode: http.StatusInternalServerError}
	}

	if len(set.Activities) != 1 {
		h.fail(fmt.Errorf("%w: got %d activities", wire.ErrMalformedActivitySet, len(set.Activities)))
		return &wire.InboundResponse{StatusCode: http.StatusInternalServerError}
	}

	activity := set.Activities[0]
	for _, stream := range req.Streams[1:] {
		// Attachment streams arrive as raw bytes off the wire (see
		// transport.WSAdapter's readPump, which stores binary frames
		// untouched); the handler base64-encodes them here to build the
		// data URI (spec.md §4.2 step 3).
		raw, err := stream.Bytes()
		if err != nil {
			h.fail(fmt.Errorf("%w: read attachment stream: %v", wire.ErrMalformedActivitySet, err))
			return &wire.InboundResponse{StatusCode: http.StatusInternalServerError}
		}
		activity.Attachments = append(activity.Attachments, wire.Attachment{
			ContentType: stream.ContentType(),
			ContentURL:  wire.InlineDataURI(base64.StdEncoding.EncodeToString(raw)),
		})
	}

	h.counters.IncActivitiesReceived()
	h.queue.Route(activity)

	return &wire.InboundResponse{StatusCode: http.StatusOK}
}

func (h *Handler) fail(err error) {
	h.log.Printf("%v", err)
	h.sink <- Event{Err: err}
}
