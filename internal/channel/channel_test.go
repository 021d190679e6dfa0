package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/funnelbot/internal/outbox"
	"github.com/ent0n29/funnelbot/internal/protocol"
)

func sampleJob() outbox.Job {
	return outbox.Job{
		ID:          "job-1",
		Destination: "5511999999999",
		Kind:        outbox.KindText,
		Payload:     outbox.Payload{Text: "Oi"},
		Metadata:    map[string]string{"stage": "greet"},
	}
}

func TestWebhookPostsJob(t *testing.T) {
	var got webhookMessage
	var auth, idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		idem = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{URL: srv.URL, Token: "secret"})
	require.NoError(t, wh.Send(context.Background(), "5511999999999", sampleJob()))

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "job-1", idem)
	assert.Equal(t, "5511999999999", got.Destination)
	assert.Equal(t, "Oi", got.Payload.Text)
	assert.Equal(t, "greet", got.Metadata["stage"])
}

func TestWebhookClassifiesStatuses(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusTooManyRequests, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		err := NewWebhook(WebhookConfig{URL: srv.URL}).Send(context.Background(), "d", sampleJob())
		srv.Close()

		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.permanent, isPermanent(err), "status %d", tc.status)
	}
}

func TestWebhookNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewWebhook(WebhookConfig{URL: url, Timeout: time.Second}).Send(context.Background(), "d", sampleJob())
	require.Error(t, err)
	assert.False(t, isPermanent(err))
}

func isPermanent(err error) bool {
	return errors.Is(err, outbox.ErrPermanent)
}

func TestHubWithoutListeners(t *testing.T) {
	hub := NewHub(nil)
	assert.ErrorIs(t, hub.Send(context.Background(), "d", sampleJob()), ErrNoListeners)
}

func TestHubDeliversToMatchingConsole(t *testing.T) {
	hub := NewHub(func(*http.Request) bool { return true })
	srv := httptest.NewServer(hub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?destination=5511999999999"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Listeners() == 1 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, hub.Send(context.Background(), "other", sampleJob()), ErrNoListeners)
	require.NoError(t, hub.Send(context.Background(), "5511999999999", sampleJob()))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var got protocol.OutboundMessage
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, protocol.TypeOutboundMessage, got.Type)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "Oi", got.Text)
	assert.Equal(t, "greet", got.Metadata["stage"])

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Listeners() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubConsoleInbound(t *testing.T) {
	hub := NewHub(func(*http.Request) bool { return true })
	var gotContact, gotText string
	hub.SetInboundHandler(func(_ context.Context, contactID, text string) int {
		gotContact, gotText = contactID, text
		return 1
	})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.InboundText{Type: protocol.TypeInboundText, ContactID: "c1", Text: "Oi"}))
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var res protocol.TurnResult
	require.NoError(t, conn.ReadJSON(&res))
	assert.Equal(t, protocol.TypeTurnResult, res.Type)
	assert.Equal(t, 1, res.Actions)
	assert.Equal(t, "c1", gotContact)
	assert.Equal(t, "Oi", gotText)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	var ev protocol.ErrorEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, protocol.TypeErrorEvent, ev.Type)
	assert.Equal(t, "invalid_message", ev.Code)
}

func TestLogSendMasksContact(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(slog.New(slog.NewTextHandler(&buf, nil)))
	job := sampleJob()
	job.Payload.Text = "write to ana@example.com"
	require.NoError(t, l.Send(context.Background(), "5511999999999", job))
	assert.Contains(t, buf.String(), "destination=5511*******99")
	assert.Contains(t, buf.String(), "[REDACTED_EMAIL]")
	assert.NotContains(t, buf.String(), "ana@example.com")
}
