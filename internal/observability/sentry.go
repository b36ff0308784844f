package observability

import (
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
)

type SentryOptions struct {
	DSN         string
	Environment string
	Release     string
	SampleRate  float64
}

// InitSentry is a no-op without a DSN.
func InitSentry(opts SentryOptions) error {
	if opts.DSN == "" {
		return nil
	}
	return sentry.Init(sentryClientOptions(opts))
}

func sentryClientOptions(opts SentryOptions) sentry.ClientOptions {
	rate := opts.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	return sentry.ClientOptions{
		Dsn:              opts.DSN,
		Environment:      opts.Environment,
		Release:          opts.Release,
		SampleRate:       rate,
		AttachStacktrace: true,
		BeforeSend:       scrubEvent,
	}
}

// scrubEvent strips request bodies and cookies, which carry passwords and
// tokens on this service, and masks any user email.
func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event.Request != nil {
		event.Request.Data = ""
		event.Request.Cookies = ""
		delete(event.Request.Headers, "Cookie")
	}
	if event.User.Email != "" {
		event.User.Email = MaskEmail(event.User.Email)
	}
	return event
}

// CaptureError reports err tagged with the matched route and request id.
func CaptureError(r *http.Request, err error) {
	if err == nil {
		return
	}

	hub := sentry.GetHubFromContext(r.Context())
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(r)
		scope.SetTag("route", r.Pattern)
		if id := r.Header.Get(RequestIDHeader); id != "" {
			scope.SetTag("request_id", id)
		}
		hub.CaptureException(err)
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
