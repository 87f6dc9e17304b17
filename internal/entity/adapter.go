package entity

import (
	"context"

	"github.com/google/uuid"
)

// AdapterID identifies an inner adapter independently of its connection state.
type AdapterID = uuid.UUID

type ConnectionState string

const (
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateDisconnected ConnectionState = "disconnected"
)

type AdapterTransport string

const (
	AdapterTransportNats      AdapterTransport = "nats"
	AdapterTransportWebsocket AdapterTransport = "websocket"
)

// InnerAdapter is a backend connection that already speaks the normalized
// message protocol. Outbound messages must be delivered to the handler in the
// order the adapter received them.
type InnerAdapter interface {
	ID() AdapterID
	Name() string
	SendInMessage(ctx context.Context, msg Message) error
	SetOutMessageHandler(handler func(msg Message))
}

// AdapterResolver looks up the adapter associated with a security id or a
// portfolio name.
type AdapterResolver interface {
	Resolve(key string) (AdapterID, bool)
}
