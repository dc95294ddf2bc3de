package alert

import (
	"context"
	"time"

	"logwatch/internal/rules"
)

// Publisher is satisfied by bus.Publisher.
type Publisher interface {
	Publish(subject string, payload any) error
}

// Event is the JSON payload published for an alert.
type Event struct {
	RuleType      string    `json:"rule_type"`
	RuleID        int64     `json:"rule_id"`
	AppName       string    `json:"app_name"`
	Message       string    `json:"message"`
	Signature     string    `json:"message_signature"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Collection    string    `json:"collection"`
	RecordID      string    `json:"record_id"`
	LogTimestamp  time.Time `json:"log_timestamp"`
	DurationMs    int64     `json:"duration_ms"`
	ThresholdMs   int64     `json:"threshold_ms"`
	OverageMs     int64     `json:"overage_ms"`
	Priority      int       `json:"priority,omitempty"`
	Channels      []string  `json:"channels,omitempty"`
	Text          string    `json:"text,omitempty"`
}

func NewEvent(v rules.Violation) Event {
	return Event{
		RuleType:      string(v.Type),
		RuleID:        v.RuleID,
		AppName:       v.Record.AppName,
		Message:       v.Record.Message,
		Signature:     v.Signature(),
		CorrelationID: v.Record.CorrelationID,
		Collection:    v.Record.Collection,
		RecordID:      v.Record.ID,
		LogTimestamp:  v.Record.Timestamp,
		DurationMs:    v.Record.DurationMs,
		ThresholdMs:   v.ThresholdMs,
		OverageMs:     v.OverageMs,
		Priority:      v.Priority,
	}
}

// NATS publishes alerts to a subject; the target address is the subject.
type NATS struct {
	publisher Publisher
}

func NewNATS(publisher Publisher) *NATS {
	return &NATS{publisher: publisher}
}

func (n *NATS) Send(ctx context.Context, subject string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	event := NewEvent(msg.Violation)
	event.Text = msg.Plain
	return n.publisher.Publish(subject, event)
}
