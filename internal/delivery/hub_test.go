// ABOUTME: Tests for the websocket hub and simple sinks
// ABOUTME: Dials a real httptest server with gorilla's client
package delivery

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harper/concierge/internal/logging"
	"github.com/harper/concierge/internal/models"
)

func dial(t *testing.T, srv *httptest.Server, convID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?conversation_id=" + convID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSubscribers(t *testing.T, h *Hub, convID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Subscribers(convID) == n }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_DeliversToSubscribers(t *testing.T) {
	hub := NewHub(logging.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	a := dial(t, srv, "conv_a")
	b := dial(t, srv, "conv_b")
	waitForSubscribers(t, hub, "conv_a", 1)
	waitForSubscribers(t, hub, "conv_b", 1)

	require.NoError(t, hub.Deliver(context.Background(), "conv_a", models.DeliveryPart{Index: 0, Text: "Chào bạn", DelayMs: 500}))

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, a.ReadJSON(&msg))
	assert.Equal(t, Message{Type: "part", ConversationID: "conv_a", Index: 0, Text: "Chào bạn", DelayMs: 500}, msg)

	_ = b.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, _, err := b.ReadMessage()
	assert.Error(t, err, "other conversations receive nothing")
}

func TestHub_RequiresConversationID(t *testing.T) {
	hub := NewHub(logging.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestHub_UnsubscribesOnDisconnect(t *testing.T) {
	hub := NewHub(logging.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "conv_1")
	waitForSubscribers(t, hub, "conv_1", 1)

	conn.Close()
	waitForSubscribers(t, hub, "conv_1", 0)

	assert.NoError(t, hub.Deliver(context.Background(), "conv_1", models.DeliveryPart{Text: "late"}))
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf, "bot> ")
	require.NoError(t, s.Deliver(context.Background(), "c", models.DeliveryPart{Text: "one"}))
	require.NoError(t, s.Deliver(context.Background(), "c", models.DeliveryPart{Text: "two"}))
	assert.Equal(t, "bot> one\n\nbot> two\n\n", buf.String())
}

type failingSink struct{ err error }

func (f failingSink) Deliver(context.Context, string, models.DeliveryPart) error { return f.err }

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	boom := errors.New("boom")
	m := Multi{failingSink{err: boom}, NewWriterSink(&buf, ""), NewLogSink(logging.Nop())}

	err := m.Deliver(context.Background(), "c", models.DeliveryPart{Text: "hi"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "hi\n\n", buf.String(), "later sinks still receive the part")
}
