package util

import (
	"context"
	"fmt"
	"time"

	"github.com/krobus00/basket-gateway/internal/entity"
	"github.com/nats-io/nats.go"
)

// ProcessWithTimeout runs callback with a deadline and gives up waiting when
// the deadline passes. The callback keeps running in the background.
func ProcessWithTimeout(timeout time.Duration, msg *nats.Msg, callback func(ctx context.Context, msg *nats.Msg) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- callback(ctx, msg)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("processing timeout for message on %s", msg.Subject)
	case err := <-done:
		return err
	}
}

// MessagePublisher is the publishing half of nats.JetStreamContext.
type MessagePublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// PublishMessage publishes msg wrapped in its wire envelope.
func PublishMessage(js MessagePublisher, subject string, msg entity.Message) error {
	payload, err := entity.EncodeMessage(msg)
	if err != nil {
		return err
	}

	_, err = js.Publish(subject, payload)
	return err
}
