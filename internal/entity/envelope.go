package entity

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/guregu/null/v6"
)

var ErrUnknownMessageType = errors.New("unknown message type")

// Envelope is the wire form of a Message on every transport.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(msg Message) (*Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Type(), err)
	}
	return &Envelope{Type: msg.Type(), Payload: payload}, nil
}

func EncodeMessage(msg Message) ([]byte, error) {
	env, err := NewEnvelope(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func DecodeMessage(data []byte) (Message, error) {
	env := new(Envelope)
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env.Message()
}

func (e *Envelope) Message() (Message, error) {
	msg := newMessage(e.Type)
	if msg == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, e.Type)
	}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, msg); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", e.Type, err)
		}
	}
	return msg, nil
}

func newMessage(t MessageType) Message {
	switch t {
	case MessageTypeConnect:
		return new(ConnectMessage)
	case MessageTypeConnectResponse:
		return new(ConnectResponse)
	case MessageTypeDisconnect:
		return new(DisconnectMessage)
	case MessageTypeDisconnectResponse:
		return new(DisconnectResponse)
	case MessageTypeReset:
		return new(ResetMessage)
	case MessageTypeConnectionLost:
		return new(ConnectionLostMessage)
	case MessageTypeConnectionRestored:
		return new(ConnectionRestoredMessage)
	case MessageTypeSubscription:
		return new(SubscriptionRequest)
	case MessageTypeSubscriptionResponse:
		return new(SubscriptionResponse)
	case MessageTypeSubscriptionOnline:
		return new(SubscriptionOnline)
	case MessageTypeSubscriptionFinished:
		return new(SubscriptionFinished)
	case MessageTypeOrderRegister:
		return new(OrderRegister)
	case MessageTypeOrderCancel:
		return new(OrderCancel)
	case MessageTypeExecution:
		return new(ExecutionReport)
	case MessageTypeTick:
		return new(TickMessage)
	case MessageTypeOrderBook:
		return new(OrderBookMessage)
	case MessageTypeCandle:
		return new(CandleMessage)
	case MessageTypeSecurity:
		return new(SecurityMessage)
	case MessageTypePortfolio:
		return new(PortfolioMessage)
	default:
		return nil
	}
}

func errorString(err error) null.String {
	if err == nil {
		return null.String{}
	}
	return null.StringFrom(err.Error())
}

func stringError(s null.String) error {
	if !s.Valid {
		return nil
	}
	return errors.New(s.String)
}

func (m *ConnectResponse) MarshalJSON() ([]byte, error) {
	type Alias ConnectResponse
	return json.Marshal(struct {
		*Alias
		Error null.String `json:"error"`
	}{(*Alias)(m), errorString(m.Error)})
}

func (m *ConnectResponse) UnmarshalJSON(data []byte) error {
	type Alias ConnectResponse
	aux := struct {
		*Alias
		Error null.String `json:"error"`
	}{Alias: (*Alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Error = stringError(aux.Error)
	return nil
}

func (m *DisconnectResponse) MarshalJSON() ([]byte, error) {
	type Alias DisconnectResponse
	return json.Marshal(struct {
		*Alias
		Error null.String `json:"error"`
	}{(*Alias)(m), errorString(m.Error)})
}

func (m *DisconnectResponse) UnmarshalJSON(data []byte) error {
	type Alias DisconnectResponse
	aux := struct {
		*Alias
		Error null.String `json:"error"`
	}{Alias: (*Alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Error = stringError(aux.Error)
	return nil
}

func (m *ConnectionLostMessage) MarshalJSON() ([]byte, error) {
	type Alias ConnectionLostMessage
	return json.Marshal(struct {
		*Alias
		Error null.String `json:"error"`
	}{(*Alias)(m), errorString(m.Error)})
}

func (m *ConnectionLostMessage) UnmarshalJSON(data []byte) error {
	type Alias ConnectionLostMessage
	aux := struct {
		*Alias
		Error null.String `json:"error"`
	}{Alias: (*Alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Error = stringError(aux.Error)
	return nil
}

func (m *SubscriptionResponse) MarshalJSON() ([]byte, error) {
	type Alias SubscriptionResponse
	return json.Marshal(struct {
		*Alias
		Error null.String `json:"error"`
	}{(*Alias)(m), errorString(m.Error)})
}

func (m *SubscriptionResponse) UnmarshalJSON(data []byte) error {
	type Alias SubscriptionResponse
	aux := struct {
		*Alias
		Error null.String `json:"error"`
	}{Alias: (*Alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Error = stringError(aux.Error)
	return nil
}

func (m *ExecutionReport) MarshalJSON() ([]byte, error) {
	type Alias ExecutionReport
	return json.Marshal(struct {
		*Alias
		Error null.String `json:"error"`
	}{(*Alias)(m), errorString(m.Error)})
}

func (m *ExecutionReport) UnmarshalJSON(data []byte) error {
	type Alias ExecutionReport
	aux := struct {
		*Alias
		Error null.String `json:"error"`
	}{Alias: (*Alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Error = stringError(aux.Error)
	return nil
}
