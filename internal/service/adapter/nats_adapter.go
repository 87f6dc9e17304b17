package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/krobus00/basket-gateway/internal/constant"
	"github.com/krobus00/basket-gateway/internal/entity"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const defaultNatsConnectTimeout = 10 * time.Second

var ErrNotConnected = errors.New("adapter is not connected")

// natsConn is the part of *nats.Conn the adapter needs.
type natsConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NatsAdapter talks to a remote adapter process over core NATS. Requests are
// published on <prefix>.in and the remote answers on <prefix>.out.
type NatsAdapter struct {
	id             entity.AdapterID
	name           string
	nc             natsConn
	subjectIn      string
	subjectOut     string
	connectTimeout time.Duration

	mu           sync.Mutex
	sub          *nats.Subscription
	connectTimer *time.Timer
	handler      func(msg entity.Message)
}

func NewNatsAdapter(id entity.AdapterID, name string, nc natsConn, subjectPrefix string, connectTimeout time.Duration) *NatsAdapter {
	prefix := strings.TrimSuffix(strings.TrimSpace(subjectPrefix), ".")
	if prefix == "" {
		prefix = "basket.adapter." + name
	}
	if connectTimeout <= 0 {
		connectTimeout = defaultNatsConnectTimeout
	}

	return &NatsAdapter{
		id:             id,
		name:           name,
		nc:             nc,
		subjectIn:      prefix + "." + constant.AdapterSubjectIn,
		subjectOut:     prefix + "." + constant.AdapterSubjectOut,
		connectTimeout: connectTimeout,
	}
}

func (a *NatsAdapter) ID() entity.AdapterID {
	return a.id
}

func (a *NatsAdapter) Name() string {
	return a.name
}

func (a *NatsAdapter) SetOutMessageHandler(handler func(msg entity.Message)) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.handler = handler
}

func (a *NatsAdapter) SendInMessage(ctx context.Context, msg entity.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch msg.(type) {
	case *entity.ConnectMessage:
		if err := a.subscribe(); err != nil {
			return err
		}
		if err := a.publish(msg); err != nil {
			return err
		}
		a.armConnectTimer()
		return nil
	case *entity.ResetMessage:
		err := a.publish(msg)
		a.unsubscribe()
		return err
	}

	a.mu.Lock()
	connected := a.sub != nil
	a.mu.Unlock()
	if !connected {
		if _, ok := msg.(*entity.DisconnectMessage); ok {
			a.emit(&entity.DisconnectResponse{})
			return nil
		}
		return fmt.Errorf("%s: %w", a.name, ErrNotConnected)
	}

	return a.publish(msg)
}

func (a *NatsAdapter) publish(msg entity.Message) error {
	payload, err := entity.EncodeMessage(msg)
	if err != nil {
		return err
	}

	if err := a.nc.Publish(a.subjectIn, payload); err != nil {
		return fmt.Errorf("publish %s: %w", a.subjectIn, err)
	}

	return nil
}

func (a *NatsAdapter) subscribe() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sub != nil {
		return nil
	}

	sub, err := a.nc.Subscribe(a.subjectOut, a.onNatsMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", a.subjectOut, err)
	}
	a.sub = sub

	return nil
}

func (a *NatsAdapter) unsubscribe() {
	a.mu.Lock()
	sub := a.sub
	a.sub = nil
	a.stopConnectTimerLocked()
	a.mu.Unlock()

	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		logrus.WithFields(logrus.Fields{
			"adapter": a.name,
			"subject": a.subjectOut,
		}).Warn(err)
	}
}

// armConnectTimer reports a failed connect when the remote side stays silent.
func (a *NatsAdapter) armConnectTimer() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopConnectTimerLocked()
	a.connectTimer = time.AfterFunc(a.connectTimeout, func() {
		a.mu.Lock()
		fired := a.connectTimer != nil
		a.connectTimer = nil
		a.mu.Unlock()
		if !fired {
			return
		}

		a.emit(&entity.ConnectResponse{
			Error: fmt.Errorf("%s: no connect response within %s", a.name, a.connectTimeout),
		})
	})
}

func (a *NatsAdapter) stopConnectTimerLocked() {
	if a.connectTimer == nil {
		return
	}
	a.connectTimer.Stop()
	a.connectTimer = nil
}

func (a *NatsAdapter) onNatsMessage(natsMsg *nats.Msg) {
	msg, err := entity.DecodeMessage(natsMsg.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"adapter": a.name,
			"subject": natsMsg.Subject,
		}).Warnf("drop undecodable adapter message: %v", err)
		return
	}

	switch msg.(type) {
	case *entity.ConnectResponse:
		a.mu.Lock()
		a.stopConnectTimerLocked()
		a.mu.Unlock()
	case *entity.DisconnectResponse:
		a.emit(msg)
		a.unsubscribe()
		return
	}

	a.emit(msg)
}

func (a *NatsAdapter) emit(msg entity.Message) {
	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()

	if handler != nil {
		handler(msg)
	}
}
