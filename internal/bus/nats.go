package bus

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	SubjectRunFinished = "logwatch.runs.finished"
	SubjectAlertSent   = "logwatch.alerts.sent"
	SubjectRunTrigger  = "logwatch.runs.trigger"
)

type Publisher struct {
	Conn *nats.Conn
}

func NewPublisher(url string) (*Publisher, error) {
	conn, err := nats.Connect(url, nats.Name("logwatch"), nats.Timeout(5*time.Second))
	if err != nil {
		return nil, err
	}
	return &Publisher{Conn: conn}, nil
}

func (p *Publisher) Close() {
	if p.Conn != nil {
		p.Conn.Drain()
		p.Conn.Close()
	}
}

func (p *Publisher) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.Conn.Publish(subject, data)
}

// Trigger asks a running scheduler to start a scan now.
type Trigger struct {
	Reason string `json:"reason,omitempty"`
}

// SubscribeTriggers delivers run requests published on SubjectRunTrigger.
// It shares the publisher's connection.
func (p *Publisher) SubscribeTriggers(handler func(Trigger)) (*nats.Subscription, error) {
	return p.Conn.Subscribe(SubjectRunTrigger, func(msg *nats.Msg) {
		var trig Trigger
		_ = json.Unmarshal(msg.Data, &trig)
		handler(trig)
	})
}
