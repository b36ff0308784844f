package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (t *recordingTransport) Configure(sentry.ClientOptions) {}
func (t *recordingTransport) Flush(time.Duration) bool { return true }
func (t *recordingTransport) FlushWithContext(context.Context) bool { return true }
func (t *recordingTransport) Close() {}
func (t *recordingTransport) SendEvent(event *sentry.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
}

func TestSentryClientOptions(t *testing.T) {
	opts := sentryClientOptions(SentryOptions{DSN: "https://key@sentry.example.com/1", Environment: "production", Release: "v1.4.0", SampleRate: 7})
	assert.Equal(t, 1.0, opts.SampleRate)
	assert.Equal(t, "v1.4.0", opts.Release)
	assert.NotNil(t, opts.BeforeSend)

	opts = sentryClientOptions(SentryOptions{SampleRate: 0.2})
	assert.Equal(t, 0.2, opts.SampleRate)

	assert.NoError(t, InitSentry(SentryOptions{}))
}

func TestScrubEvent(t *testing.T) {
	event := &sentry.Event{
		Request: &sentry.Request{
			Data:    `{"email":"ana@example.com","password":"hunter22"}`,
			Cookies: "session=abc",
			Headers: map[string]string{"Cookie": "session=abc", "User-Agent": "curl/8.5.0"},
		},
		User: sentry.User{Email: "ana@example.com"},
	}

	scrubbed := scrubEvent(event, nil)
	assert.Empty(t, scrubbed.Request.Data)
	assert.Empty(t, scrubbed.Request.Cookies)
	assert.NotContains(t, scrubbed.Request.Headers, "Cookie")
	assert.Equal(t, "curl/8.5.0", scrubbed.Request.Headers["User-Agent"])
	assert.Equal(t, MaskEmail("ana@example.com"), scrubbed.User.Email)
}

func TestCaptureError(t *testing.T) {
	transport := &recordingTransport{}
	options := sentryClientOptions(SentryOptions{Environment: "test"})
	options.Transport = transport
	client, err := sentry.NewClient(options)
	require.NoError(t, err)
	hub := sentry.NewHub(client, sentry.NewScope())

	req := httptest.NewRequest(http.MethodPost, "/admin/users", nil)
	req.Pattern = "POST /admin/users"
	req.Header.Set(RequestIDHeader, "req-42")
	req.Header.Set("Authorization", "Bearer admin-key")
	req = req.WithContext(sentry.SetHubOnContext(req.Context(), hub))

	CaptureError(req, nil)
	CaptureError(req, errors.New("save user: connection reset"))

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.events, 1)
	event := transport.events[0]
	assert.Equal(t, "POST /admin/users", event.Tags["route"])
	assert.Equal(t, "req-42", event.Tags["request_id"])
	require.NotNil(t, event.Request)
	assert.NotContains(t, event.Request.Headers, "Authorization")
}
