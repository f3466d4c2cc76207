package observability

import (
	"bytes"
	"errors"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
)

func TestScrubEventRedactsCredentials(t *testing.T) {
	event := &sentry.Event{Request: &sentry.Request{
		Cookies: "tb_session=abc",
		Headers: map[string]string{
			"Authorization": "Bearer cron",
			"X-API-Key":     "eyJ...",
			"User-Agent":    "curl/8",
		},
	}}

	out := scrubEvent(event, nil)

	assert.Empty(t, out.Request.Cookies)
	assert.Equal(t, "[redacted]", out.Request.Headers["Authorization"])
	assert.Equal(t, "[redacted]", out.Request.Headers["X-API-Key"])
	assert.Equal(t, "curl/8", out.Request.Headers["User-Agent"])
	assert.Nil(t, scrubEvent(nil, nil))
}

func TestSentryTagsKeepIdentifiers(t *testing.T) {
	tags := sentryTags("broker_tokens_store_failed", map[string]any{
		"connection_id": int64(9),
		"stage":         "tokens",
		"error":         errors.New("boom"),
	})

	assert.Equal(t, map[string]string{
		"event":         "broker_tokens_store_failed",
		"connection_id": "9",
		"stage":         "tokens",
	}, tags)
}

func TestInitSentryWithoutDSNIsNoop(t *testing.T) {
	assert.NoError(t, InitSentry(SentryOptions{Environment: "test"}))
	CaptureError(errors.New("not sent"), nil)
}

func TestReportLogsAtErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	NewLoggerTo(&buf).Report("session_sweep_failed", map[string]any{"error": errors.New("db down")})

	entry := lastLine(t, &buf)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "session_sweep_failed", entry["message"])
	assert.Equal(t, "db down", entry["error"])
}
