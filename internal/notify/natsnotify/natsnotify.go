// Package natsnotify publishes auction notifications to a NATS JetStream
// stream, one subject per lot.
package natsnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/agrimarket/treelot/internal/notify"
)

// SubjectPrefix prefixes the subject of every lot.
const SubjectPrefix = "lot.events."

// Subject returns the subject notifications about lotID are published on.
func Subject(lotID string) string { return SubjectPrefix + lotID }

var _ notify.Publisher = (*Publisher)(nil)

// Publisher implements notify.Publisher over JetStream.
type Publisher struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// Connect dials url and makes sure the stream exists.
func Connect(ctx context.Context, url, stream string) (*Publisher, error) {
	conn, err := nats.Connect(url, nats.Name("treelotd"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	p, err := New(ctx, conn, stream)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// New creates or updates stream on conn.
func New(ctx context.Context, conn *nats.Conn, stream string) (*Publisher, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       stream,
		Subjects:   []string{SubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		MaxAge:     30 * 24 * time.Hour,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("creating stream %s: %w", stream, err)
	}
	return &Publisher{conn: conn, js: js}, nil
}

func (p *Publisher) Name() string { return "nats" }

// Publish waits for the stream to acknowledge e. Redelivery of the same
// event is deduplicated by the server.
func (p *Publisher) Publish(ctx context.Context, e notify.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	if _, err := p.js.Publish(ctx, Subject(e.LotID), data, jetstream.WithMsgID(e.Key())); err != nil {
		return fmt.Errorf("publishing to jetstream: %w", err)
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}
