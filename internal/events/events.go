package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
)

const (
	TransactionPaid     = "transaction.paid"
	TransactionRefunded = "transaction.refunded"
	TransactionStorno   = "transaction.storno"
	TransactionFailed   = "transaction.failed"
)

type Event struct {
	Type          string    `json:"type"`
	TxID          string    `json:"txId"`
	Status        string    `json:"status"`
	GrossCents    int64     `json:"grossCents"`
	RefundedCents int64     `json:"refundedCents,omitempty"`
	Currency      string    `json:"currency"`
	ActorID       string    `json:"actorId,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Publisher emits transaction lifecycle events. Publishing is best-effort;
// callers log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// PubSub publishes JSON events to a Google Cloud Pub/Sub topic.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

func NewPubSub(ctx context.Context, projectID string, topicID string) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	topic := client.Topic(topicID)
	topic.EnableMessageOrdering = true
	return &PubSub{client: client, topic: topic}, nil
}

func (p *PubSub) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"type": event.Type,
			"txId": event.TxID,
		},
		OrderingKey: event.TxID,
	})
	_, err = result.Get(ctx)
	return err
}

func (p *PubSub) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
