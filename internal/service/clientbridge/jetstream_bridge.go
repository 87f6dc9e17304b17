package clientbridge

import (
	"context"
	"errors"
	"time"

	"github.com/krobus00/basket-gateway/internal/config"
	"github.com/krobus00/basket-gateway/internal/constant"
	"github.com/krobus00/basket-gateway/internal/entity"
	"github.com/krobus00/basket-gateway/internal/service/routing"
	"github.com/krobus00/basket-gateway/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const defaultRequestTimeout = 5 * time.Second

// Gateway is the client-facing side of the basket adapter.
type Gateway interface {
	SendInMessage(ctx context.Context, msg entity.Message) error
	AddOutMessageHandler(handler func(msg entity.Message))
}

type jetstream interface {
	util.MessagePublisher
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	QueueSubscribe(subj, queue string, cb nats.MsgHandler, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// JetstreamBridge feeds envelopes published on basket.client.request into the
// gateway and publishes every gateway output on basket.client.output.
type JetstreamBridge struct {
	js      jetstream
	gateway Gateway
}

func NewJetstreamBridge(js jetstream, gateway Gateway) *JetstreamBridge {
	return &JetstreamBridge{js: js, gateway: gateway}
}

func (b *JetstreamBridge) JetstreamEventInit(ctx context.Context) error {
	streamConfig := &nats.StreamConfig{
		Name:      constant.BasketStreamName,
		Subjects:  []string{constant.BasketStreamSubjectAll},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    5 * time.Minute,
		Replicas:  1,
	}

	stream, err := b.js.StreamInfo(constant.BasketStreamName)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		logrus.Error(err)
		return err
	}

	if stream == nil {
		logrus.Infof("creating stream: %s", constant.BasketStreamName)
		_, err = b.js.AddStream(streamConfig, nats.Context(ctx))
		return err
	}

	logrus.Infof("updating stream: %s", constant.BasketStreamName)
	_, err = b.js.UpdateStream(streamConfig, nats.Context(ctx))
	if err != nil {
		logrus.Error(err)
		return err
	}

	logrus.Infof("stream %s is ready", constant.BasketStreamName)

	return nil
}

func (b *JetstreamBridge) JetstreamEventSubscribe(ctx context.Context) error {
	b.gateway.AddOutMessageHandler(b.publishOutput)

	_, err := b.js.QueueSubscribe(
		constant.BasketStreamSubjectInput,
		constant.BasketQueueGroup,
		b.onRequest,
		nats.ManualAck(),
		nats.DeliverNew(),
	)
	return err
}

func (b *JetstreamBridge) onRequest(msg *nats.Msg) {
	err := util.ProcessWithTimeout(requestTimeout(), msg, b.handleRequest)
	if err != nil {
		logrus.Errorf("error processing client request: %v", err)
		return
	}

	if err := msg.Ack(); err != nil {
		logrus.Errorf("failed to acknowledge message: %v", err)
	}
}

// handleRequest returns an error only when redelivery could help. Malformed
// envelopes and contract violations are logged and acknowledged.
func (b *JetstreamBridge) handleRequest(ctx context.Context, msg *nats.Msg) error {
	logger := logrus.WithField("subject", msg.Subject)

	request, err := entity.DecodeMessage(msg.Data)
	if err != nil {
		logger.Warnf("drop malformed client request: %v", err)
		return nil
	}

	err = b.gateway.SendInMessage(ctx, request)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, routing.ErrContractViolation):
		logger.WithField("type", request.Type()).Warnf("client request rejected: %v", err)
		return nil
	default:
		return err
	}
}

func (b *JetstreamBridge) publishOutput(msg entity.Message) {
	if err := util.PublishMessage(b.js, constant.BasketStreamSubjectOutput, msg); err != nil {
		logrus.WithField("type", msg.Type()).Errorf("failed to publish client output: %v", err)
	}
}

func requestTimeout() time.Duration {
	if config.Env != nil {
		if timeout := config.Env.NatsJetstream.TimeoutHandler[constant.BasketTimeoutHandlerRequest]; timeout > 0 {
			return timeout
		}
	}
	return defaultRequestTimeout
}
