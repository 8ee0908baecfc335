package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduintbd/eod-sub000/internal/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleAlert() model.MarginAlert {
	return model.MarginAlert{
		ID:        "a-1",
		ClientID:  "m1",
		AlertDate: time.Date(2026, time.January, 12, 0, 0, 0, 0, time.UTC),
		Type:      model.AlertDeadlineBreach,
		Details:   map[string]any{"call_deadline": "2026-01-10"},
	}
}

type published struct {
	subject string
	data    []byte
	opts    int
}

type fakeJS struct {
	msgs []published
	err  error
}

func (f *fakeJS) Publish(_ context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data, opts: len(opts)})
	return &jetstream.PubAck{Stream: AlertStream, Sequence: uint64(len(f.msgs))}, nil
}

func TestNATSPublisher_PublishesBySubject(t *testing.T) {
	js := &fakeJS{}
	p := NewNATSPublisher(js)

	require.NoError(t, p.NotifyAlert(context.Background(), sampleAlert()))
	require.Len(t, js.msgs, 1)
	assert.Equal(t, "settle.margin.alerts.DEADLINE_BREACH", js.msgs[0].subject)
	assert.Equal(t, 1, js.msgs[0].opts, "message id option set")

	var got model.MarginAlert
	require.NoError(t, json.Unmarshal(js.msgs[0].data, &got))
	assert.Equal(t, "m1", got.ClientID)
	assert.Equal(t, model.AlertDeadlineBreach, got.Type)
}

func TestMsgID(t *testing.T) {
	assert.Equal(t, "m1:2026-01-12:DEADLINE_BREACH", MsgID(sampleAlert()))
}

func TestNATSPublisher_WrapsError(t *testing.T) {
	p := NewNATSPublisher(&fakeJS{err: errors.New("no responders")})
	err := p.NotifyAlert(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "settle.margin.alerts.DEADLINE_BREACH")
}

type countingNotifier struct {
	n   int
	err error
}

func (c *countingNotifier) NotifyAlert(context.Context, model.MarginAlert) error {
	c.n++
	return c.err
}

func TestFanout_ContinuesPastFailures(t *testing.T) {
	failing := &countingNotifier{err: errors.New("down")}
	ok := &countingNotifier{}

	err := Fanout{failing, ok}.NotifyAlert(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.Equal(t, 1, failing.n)
	assert.Equal(t, 1, ok.n)

	assert.NoError(t, Fanout{ok}.NotifyAlert(context.Background(), sampleAlert()))
	assert.NoError(t, Fanout(nil).NotifyAlert(context.Background(), sampleAlert()))
}

func TestWSHub_BroadcastsAlerts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewWSHub(quietLogger())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.NotifyAlert(ctx, sampleAlert()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg WSMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "margin_alert", msg.Type)
	assert.Equal(t, "m1", msg.Alert.ClientID)
	assert.Equal(t, model.AlertDeadlineBreach, msg.Alert.Type)
}

func TestWSHub_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewWSHub(quietLogger())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-stopped
	assert.Zero(t, hub.ClientCount())

	// Connections arriving after shutdown are closed instead of blocking.
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer late.Close()
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = late.ReadMessage()
	assert.Error(t, err)
}
