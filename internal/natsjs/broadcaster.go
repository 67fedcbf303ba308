package natsjs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const streamName = "MAILBOX_EVENTS"

// Event is the envelope broadcast for every mailbox change. Events are
// emitted at least once and never persisted by this service; consumers
// needing replay read them from the stream.
type Event struct {
	ID        string      `json:"event_id"`
	AccountID int64       `json:"account_id"`
	Kind      string      `json:"kind"`
	TS        int64       `json:"ts"`
	Payload   interface{} `json:"payload"`
}

// Publisher wraps NATS JetStream for broadcasting mailbox events.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to NATS and prepares a JetStream context.
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream ensures the mailbox event stream exists.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	streamInfo, err := p.js.StreamInfo(streamName)
	if err == nil && streamInfo != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"account.*.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// Publish broadcasts an event on account.<id>.<kind>.
func (p *Publisher) Publish(accountID int64, kind string, payload interface{}) error {
	event := Event{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Kind:      kind,
		TS:        time.Now().Unix(),
		Payload:   payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := fmt.Sprintf("account.%d.%s", accountID, kind)
	if _, err := p.js.Publish(subject, data, nats.MsgId(event.ID)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
