package authcore

import (
	"io"

	internalaudit "github.com/authcore-io/authcore/internal/audit"
)

// AuditEvent is the event model handed to sinks.
type AuditEvent = internalaudit.Event

// AuditSink receives emitted audit events. Implementations returning an
// error get retried by the dispatcher and escalated when retries run out.
type AuditSink = internalaudit.Sink

// AlertNotifier receives audit events whose sink writes were lost.
type AlertNotifier = internalaudit.Notifier

// NoOpAuditSink drops all events.
type NoOpAuditSink = internalaudit.NoOpSink

// ChannelAuditSink buffers events in a channel, mostly for tests.
type ChannelAuditSink = internalaudit.ChannelSink

// JSONWriterAuditSink writes one JSON object per line.
type JSONWriterAuditSink = internalaudit.JSONWriterSink

func NewChannelAuditSink(buffer int) *ChannelAuditSink {
	return internalaudit.NewChannelSink(buffer)
}

func NewJSONWriterAuditSink(w io.Writer) *JSONWriterAuditSink {
	return internalaudit.NewJSONWriterSink(w)
}
