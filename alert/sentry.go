package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/authcore-io/authcore/internal/audit"
)

// SentryNotifier reports lost audit events to Sentry.
type SentryNotifier struct {
	flushTimeout time.Duration
}

// NewSentryNotifier initializes the Sentry SDK. An empty DSN disables
// reporting and returns a notifier that does nothing.
func NewSentryNotifier(dsn, environment string) (*SentryNotifier, error) {
	if dsn == "" {
		return &SentryNotifier{}, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}

	return &SentryNotifier{flushTimeout: 2 * time.Second}, nil
}

func (n *SentryNotifier) Escalate(_ context.Context, event audit.Event, err error) {
	if n == nil || n.flushTimeout == 0 {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("audit_event", event.EventType)
		scope.SetExtra("user_id", event.UserID)
		scope.SetExtra("tenant_id", event.TenantID)
		scope.SetExtra("client_id", event.ClientID)
		scope.SetExtra("sink_error", err.Error())
		sentry.CaptureMessage("audit write failed: " + event.EventType)
	})
}

// Close flushes buffered Sentry reports.
func (n *SentryNotifier) Close() {
	if n == nil || n.flushTimeout == 0 {
		return
	}
	sentry.Flush(n.flushTimeout)
}
