package observability

import (
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

type SentryOptions struct {
	DSN         string
	Environment string
	Release     string
}

// sensitiveHeaders carry session cookies, platform API keys or cron secrets.
var sensitiveHeaders = []string{"Authorization", "Cookie", "X-Api-Key"}

func InitSentry(opts SentryOptions) error {
	if opts.DSN == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Environment:      opts.Environment,
		Release:          opts.Release,
		AttachStacktrace: true,
		ServerName:       "tradebridge-api",
		BeforeSend:       scrubEvent,
	})
}

func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}
	event.Request.Cookies = ""
	for key := range event.Request.Headers {
		for _, sensitive := range sensitiveHeaders {
			if strings.EqualFold(key, sensitive) {
				event.Request.Headers[key] = "[redacted]"
			}
		}
	}
	return event
}

// CaptureError reports err with the given tags. It is a no-op until InitSentry
// has configured a client.
func CaptureError(err error, tags map[string]string) {
	if err == nil || sentry.CurrentHub().Client() == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
