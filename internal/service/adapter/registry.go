package adapter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/krobus00/basket-gateway/internal/config"
	"github.com/krobus00/basket-gateway/internal/entity"
	"github.com/nats-io/nats.go"
)

var (
	ErrInvalidAdapterConfig = errors.New("invalid adapter config")
	ErrNatsRequired         = errors.New("nats connection is required for nats adapters")
)

// BuildAdapters turns the configured adapter list into inner adapters, in
// config order. nc may be nil when no adapter uses the nats transport.
func BuildAdapters(cfgs []config.AdapterConfig, nc *nats.Conn) ([]entity.InnerAdapter, error) {
	adapters := make([]entity.InnerAdapter, 0, len(cfgs))
	seen := make(map[entity.AdapterID]struct{}, len(cfgs))

	for idx, cfg := range cfgs {
		id, err := uuid.Parse(strings.TrimSpace(cfg.ID))
		if err != nil {
			return nil, fmt.Errorf("%w: adapters[%d] id %q: %v", ErrInvalidAdapterConfig, idx, cfg.ID, err)
		}
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("%w: duplicate adapter id %s", ErrInvalidAdapterConfig, id)
		}
		seen[id] = struct{}{}

		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			name = id.String()
		}

		switch entity.AdapterTransport(strings.ToLower(strings.TrimSpace(cfg.Transport))) {
		case entity.AdapterTransportNats:
			if nc == nil {
				return nil, fmt.Errorf("adapter %s: %w", name, ErrNatsRequired)
			}
			adapters = append(adapters, NewNatsAdapter(id, name, nc, cfg.SubjectPrefix, cfg.ConnectTimeout))
		case entity.AdapterTransportWebsocket:
			if strings.TrimSpace(cfg.URL) == "" {
				return nil, fmt.Errorf("%w: adapter %s has no url", ErrInvalidAdapterConfig, name)
			}
			adapters = append(adapters, NewWebsocketAdapter(id, name, WebsocketAdapterConfig{
				URL:            cfg.URL,
				ConnectTimeout: cfg.ConnectTimeout,
				PingInterval:   cfg.PingInterval,
				MaxReconnects:  cfg.MaxReconnects,
			}))
		default:
			return nil, fmt.Errorf("%w: adapter %s has unknown transport %q", ErrInvalidAdapterConfig, name, cfg.Transport)
		}
	}

	return adapters, nil
}

// UsesNats reports whether any configured adapter needs a nats connection.
func UsesNats(cfgs []config.AdapterConfig) bool {
	for _, cfg := range cfgs {
		if entity.AdapterTransport(strings.ToLower(strings.TrimSpace(cfg.Transport))) == entity.AdapterTransportNats {
			return true
		}
	}
	return false
}
