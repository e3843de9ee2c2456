package outbound

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qzbxw/chatline/internal/stats"
	"github.com/qzbxw/chatline/internal/wire"
)

type fakeRequester struct {
	fn func(ctx context.Context, req *wire.Request) (*wire.Response, error)
}

func (f *fakeRequester) Send(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	return f.fn(ctx, req)
}

type countingDisconnector struct{ calls int32 }

func (d *countingDisconnector) Disconnect() { atomic.AddInt32(&d.calls, 1) }
func (d *countingDisconnector) count() int  { return int(atomic.LoadInt32(&d.calls)) }

func jsonStream(v any) *wire.BufferStream {
	data, _ := json.Marshal(v)
	return &wire.BufferStream{Type: "application/json", Data: data}
}

func TestSender_PostPlainActivity(t *testing.T) {
	var captured *wire.Request
	transport := &fakeRequester{fn: func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		captured = req
		return &wire.Response{StatusCode: http.StatusOK, Streams: []wire.Stream{jsonStream(map[string]string{"Id": "activity-1"})}}, nil
	}}
	disc := &countingDisconnector{}
	s := New(transport, disc, func() string { return "conv-1" }, stats.New())

	result := <-s.Post(context.Background(), wire.Activity{Type: "typing"})

	require.NoError(t, result.Err)
	require.Equal(t, "activity-1", result.ID)
	require.Equal(t, http.MethodPost, captured.Method)
	require.Equal(t, "/v3/directline/conversations/conv-1/activities", captured.Path)
	require.Len(t, captured.Streams, 1)
	require.Equal(t, 0, disc.count())
}

func TestSender_PostFailureDisconnectsAndSignalsError(t *testing.T) {
	transport := &fakeRequester{fn: func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		return &wire.Response{StatusCode: http.StatusInternalServerError}, nil
	}}
	disc := &countingDisconnector{}
	s := New(transport, disc, func() string { return "conv-1" }, stats.New())

	result := <-s.Post(context.Background(), wire.Activity{Type: "typing"})

	require.Error(t, result.Err)
	require.Equal(t, 1, disc.count())
}

func TestSender_PostWithAttachmentsFetchesThenUploads(t *testing.T) {
	attachmentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0x89, 0x50, 0x4E, 0x47})
	}))
	defer attachmentSrv.Close()

	var captured *wire.Request
	transport := &fakeRequester{fn: func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		captured = req
		return &wire.Response{StatusCode: http.StatusOK, Streams: []wire.Stream{jsonStream(map[string]string{"Id": "activity-2"})}}, nil
	}}
	disc := &countingDisconnector{}
	s := New(transport, disc, func() string { return "conv-1" }, stats.New())

	activity := wire.Activity{
		Type: wire.MessageActivityType,
		From: &wire.ChannelInfo{ID: "user-1"},
		Attachments: []wire.Attachment{
			{ContentType: "image/png", ContentURL: attachmentSrv.URL},
		},
	}

	result := <-s.Post(context.Background(), activity)

	require.NoError(t, result.Err)
	require.Equal(t, "activity-2", result.ID)
	require.Equal(t, http.MethodPut, captured.Method)
	require.Equal(t, "/v3/directline/conversations/conv-1/users/user-1/upload", captured.Path)
	require.Len(t, captured.Streams, 2)
	require.Equal(t, "application/vnd.microsoft.activity", captured.Streams[0].ContentType)
	require.Equal(t, "image/png", captured.Streams[1].ContentType)

	var strippedActivity wire.Activity
	require.NoError(t, json.Unmarshal(captured.Streams[0].Data, &strippedActivity))
	require.Empty(t, strippedActivity.Attachments)
}

func TestSender_UploadToleratesEmptyResponseStreams(t *testing.T) {
	transport := &fakeRequester{fn: func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		return &wire.Response{StatusCode: http.StatusOK}, nil
	}}
	disc := &countingDisconnector{}
	s := New(transport, disc, func() string { return "conv-1" }, stats.New())

	activity := wire.Activity{
		Type: wire.MessageActivityType,
		From: &wire.ChannelInfo{ID: "user-1"},
		Attachments: []wire.Attachment{
			{ContentType: "image/png", ContentURL: "data:ignored"},
		},
	}

	// fetchAttachment's HTTP client cannot fetch the fake data: URL, so use
	// a real server instead for this case too.
	attachmentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{1, 2, 3})
	}))
	defer attachmentSrv.Close()
	activity.Attachments[0].ContentURL = attachmentSrv.URL

	result := <-s.Post(context.Background(), activity)

	require.NoError(t, result.Err)
	require.Empty(t, result.ID)
	require.Equal(t, 0, disc.count())
}

func TestSender_PostIncrementsSentCounterOnlyOnSuccess(t *testing.T) {
	ok := true
	transport := &fakeRequester{fn: func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		if !ok {
			return &wire.Response{StatusCode: http.StatusInternalServerError}, nil
		}
		return &wire.Response{StatusCode: http.StatusOK, Streams: []wire.Stream{jsonStream(map[string]string{"Id": "a"})}}, nil
	}}
	disc := &countingDisconnector{}
	counters := stats.New()
	s := New(transport, disc, func() string { return "conv-1" }, counters)

	require.NoError(t, (<-s.Post(context.Background(), wire.Activity{Type: "typing"})).Err)
	require.EqualValues(t, 1, counters.Snapshot().ActivitiesSent)

	ok = false
	require.Error(t, (<-s.Post(context.Background(), wire.Activity{Type: "typing"})).Err)
	require.EqualValues(t, 1, counters.Snapshot().ActivitiesSent, "a failed post must not increment the sent counter")
}

func TestSender_PostThrottlesBeyondBurst(t *testing.T) {
	transport := &fakeRequester{fn: func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		return &wire.Response{StatusCode: http.StatusOK, Streams: []wire.Stream{jsonStream(map[string]string{"Id": "a"})}}, nil
	}}
	disc := &countingDisconnector{}
	s := New(transport, disc, func() string { return "conv-1" }, stats.New())

	for i := 0; i < postBurst; i++ {
		result := <-s.Post(context.Background(), wire.Activity{Type: "typing"})
		require.NoError(t, result.Err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	result := <-s.Post(ctx, wire.Activity{Type: "typing"})
	require.Error(t, result.Err, "a post beyond the burst budget must wait for the limiter and hit the short deadline")
}
