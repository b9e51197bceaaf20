// Package alert provides escalation targets for audit events that could not
// be written after the dispatcher exhausted its retries.
package alert

import (
	"context"
	"log"

	"github.com/authcore-io/authcore/internal/audit"
)

// NoOp discards escalations.
type NoOp struct{}

func (NoOp) Escalate(context.Context, audit.Event, error) {}

// LogNotifier writes escalations to a standard logger.
type LogNotifier struct {
	logger *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Escalate(_ context.Context, event audit.Event, err error) {
	if n == nil || n.logger == nil {
		return
	}
	n.logger.Printf(
		"audit write failed event=%s user=%s tenant=%s error=%v",
		event.EventType, event.UserID, event.TenantID, err,
	)
}
