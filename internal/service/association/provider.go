package association

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/krobus00/basket-gateway/internal/entity"
	"github.com/sirupsen/logrus"
)

var ErrEmptyKey = errors.New("association key is required")

type Store interface {
	GetAll(ctx context.Context) ([]entity.Association, error)
	Upsert(ctx context.Context, association *entity.Association) error
	Delete(ctx context.Context, key string) (bool, error)
}

type Cache interface {
	Load(ctx context.Context, kind entity.AssociationKind) (map[string]entity.AdapterID, error)
	Replace(ctx context.Context, kind entity.AssociationKind, associations map[string]entity.AdapterID) error
	Set(ctx context.Context, kind entity.AssociationKind, key string, adapterID entity.AdapterID) error
	Delete(ctx context.Context, kind entity.AssociationKind, key string) error
}

// Provider resolves security ids or portfolio names to adapters from memory.
// Writes go through the store first, then the cache, then memory. Store and
// cache are optional.
type Provider struct {
	kind  entity.AssociationKind
	store Store
	cache Cache

	mu           sync.RWMutex
	associations map[string]entity.AdapterID
}

func NewProvider(kind entity.AssociationKind, store Store, cache Cache) *Provider {
	return &Provider{
		kind:         kind,
		store:        store,
		cache:        cache,
		associations: make(map[string]entity.AdapterID),
	}
}

func (p *Provider) Kind() entity.AssociationKind {
	return p.kind
}

func (p *Provider) Resolve(key string) (entity.AdapterID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	id, ok := p.associations[key]
	return id, ok
}

// Load fills memory from the cache, falling back to the store and
// repopulating the cache when the cache is empty or unreachable.
func (p *Provider) Load(ctx context.Context) error {
	logger := logrus.WithField("kind", p.kind)

	if p.cache != nil {
		cached, err := p.cache.Load(ctx, p.kind)
		switch {
		case err != nil:
			logger.Warnf("association cache unavailable: %v", err)
		case len(cached) > 0:
			p.replace(cached)
			logger.WithField("count", len(cached)).Info("associations loaded from cache")
			return nil
		}
	}

	if p.store == nil {
		return nil
	}

	rows, err := p.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("load %s associations: %w", p.kind, err)
	}

	loaded := make(map[string]entity.AdapterID, len(rows))
	for _, row := range rows {
		loaded[row.Key] = row.AdapterID
	}
	p.replace(loaded)

	if p.cache != nil {
		if err := p.cache.Replace(ctx, p.kind, loaded); err != nil {
			logger.Warn(err)
		}
	}

	logger.WithField("count", len(loaded)).Info("associations loaded from database")
	return nil
}

func (p *Provider) Associate(ctx context.Context, key string, adapterID entity.AdapterID) (*entity.Association, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrEmptyKey
	}

	association := &entity.Association{
		Kind:      p.kind,
		Key:       key,
		AdapterID: adapterID,
	}
	if p.store != nil {
		if err := p.store.Upsert(ctx, association); err != nil {
			return nil, fmt.Errorf("store %s association %s: %w", p.kind, key, err)
		}
	}
	if p.cache != nil {
		if err := p.cache.Set(ctx, p.kind, key, adapterID); err != nil {
			logrus.WithFields(logrus.Fields{"kind": p.kind, "key": key}).Warnf("cache association: %v", err)
		}
	}

	p.mu.Lock()
	p.associations[key] = adapterID
	p.mu.Unlock()

	return association, nil
}

// Dissociate reports whether key was associated.
func (p *Provider) Dissociate(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, ErrEmptyKey
	}

	if p.store != nil {
		if _, err := p.store.Delete(ctx, key); err != nil {
			return false, fmt.Errorf("delete %s association %s: %w", p.kind, key, err)
		}
	}
	if p.cache != nil {
		if err := p.cache.Delete(ctx, p.kind, key); err != nil {
			logrus.WithFields(logrus.Fields{"kind": p.kind, "key": key}).Warnf("uncache association: %v", err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	_, existed := p.associations[key]
	delete(p.associations, key)
	return existed, nil
}

// List returns the in-memory associations sorted by key.
func (p *Provider) List() []entity.Association {
	p.mu.RLock()
	defer p.mu.RUnlock()

	associations := make([]entity.Association, 0, len(p.associations))
	for key, id := range p.associations {
		associations = append(associations, entity.Association{Kind: p.kind, Key: key, AdapterID: id})
	}
	sort.Slice(associations, func(i, j int) bool {
		return associations[i].Key < associations[j].Key
	})

	return associations
}

func (p *Provider) replace(associations map[string]entity.AdapterID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.associations = associations
}
