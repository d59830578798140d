package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"TradeGuard/internal/event"
)

// StreamName holds outbound portfolio events for the accounting service.
const StreamName = "PORTFOLIO_EVENTS"

// subjectPrefix is followed by the event type: accounting.portfolio.order_filled
const subjectPrefix = "accounting.portfolio"

// Publisher delivers outbox envelopes to NATS JetStream. Publish waits for
// the stream ack: the drain must not mark a row processed on a fire-and-
// forget send.
type Publisher struct {
	js jetstream.JetStream
}

func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// ConnectNATS dials NATS and returns the JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream context: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates the outbound stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

// Publish sends one envelope and waits for the JetStream ack.
func (p *Publisher) Publish(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %d: %w", env.EntryID, err)
	}

	subject := fmt.Sprintf("%s.%s", subjectPrefix, env.EventType)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s entry %d: %w", subject, env.EntryID, err)
	}
	return nil
}
