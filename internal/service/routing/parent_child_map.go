package routing

import (
	"sync"

	"github.com/krobus00/basket-gateway/internal/entity"
)

type ChildLeg struct {
	ChildID   int64            `json:"child_id"`
	AdapterID entity.AdapterID `json:"adapter_id"`
}

// AdapterLeg is a child routed to one adapter together with its parent.
type AdapterLeg struct {
	ParentID int64
	ChildID  int64
}

type childRef struct {
	parentID  int64
	adapterID entity.AdapterID
}

// ParentChildMap keeps parent -> children and child -> parent in step. Both
// indexes are only ever changed together under mu.
type ParentChildMap struct {
	mu         sync.RWMutex
	gen        entity.TransactionIDGenerator
	parents    map[int64][]ChildLeg
	children   map[int64]childRef
	tombstones *tombstoneRing
}

func NewParentChildMap(gen entity.TransactionIDGenerator, tombstoneCapacity int) *ParentChildMap {
	return &ParentChildMap{
		gen:        gen,
		parents:    make(map[int64][]ChildLeg),
		children:   make(map[int64]childRef),
		tombstones: newTombstoneRing(tombstoneCapacity),
	}
}

// CreateChild allocates a child id that is distinct from the parent and from
// every id already tracked.
func (p *ParentChildMap) CreateChild(parentID int64, adapterID entity.AdapterID) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var childID int64
	for {
		childID = p.gen.NextID()
		if childID == parentID || p.hasLocked(childID) {
			continue
		}
		break
	}

	p.parents[parentID] = append(p.parents[parentID], ChildLeg{ChildID: childID, AdapterID: adapterID})
	p.children[childID] = childRef{parentID: parentID, adapterID: adapterID}
	return childID
}

func (p *ParentChildMap) TryGetParent(childID int64) (int64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ref, ok := p.children[childID]
	return ref.parentID, ok
}

func (p *ParentChildMap) Lookup(childID int64) (int64, entity.AdapterID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ref, ok := p.children[childID]
	return ref.parentID, ref.adapterID, ok
}

func (p *ParentChildMap) GetChildren(parentID int64) []ChildLeg {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return append([]ChildLeg(nil), p.parents[parentID]...)
}

func (p *ParentChildMap) LegsForAdapter(adapterID entity.AdapterID) []AdapterLeg {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var legs []AdapterLeg
	for parentID, children := range p.parents {
		for _, child := range children {
			if child.AdapterID == adapterID {
				legs = append(legs, AdapterLeg{ParentID: parentID, ChildID: child.ChildID})
			}
		}
	}
	return legs
}

// Has reports whether id is tracked as a parent or as a child.
func (p *ParentChildMap) Has(id int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.hasLocked(id)
}

func (p *ParentChildMap) hasLocked(id int64) bool {
	if _, ok := p.parents[id]; ok {
		return true
	}
	_, ok := p.children[id]
	return ok
}

func (p *ParentChildMap) RemoveParent(parentID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, child := range p.parents[parentID] {
		delete(p.children, child.ChildID)
		p.tombstones.add(child.ChildID)
	}
	delete(p.parents, parentID)
}

// RemoveChild drops a single leg. A parent left without children is removed
// with it.
func (p *ParentChildMap) RemoveChild(childID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ref, ok := p.children[childID]
	if !ok {
		return
	}
	delete(p.children, childID)
	p.tombstones.add(childID)

	legs := p.parents[ref.parentID]
	for i, leg := range legs {
		if leg.ChildID == childID {
			legs = append(legs[:i], legs[i+1:]...)
			break
		}
	}
	if len(legs) == 0 {
		delete(p.parents, ref.parentID)
		return
	}
	p.parents[ref.parentID] = legs
}

// IsTombstoned reports whether id belonged to a torn down parent recently
// enough to still be remembered.
func (p *ParentChildMap) IsTombstoned(id int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.tombstones.has(id)
}

func (p *ParentChildMap) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.parents)
}

func (p *ParentChildMap) ChildCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.children)
}

func (p *ParentChildMap) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for childID := range p.children {
		p.tombstones.add(childID)
	}
	p.parents = make(map[int64][]ChildLeg)
	p.children = make(map[int64]childRef)
}

type tombstoneRing struct {
	ids   []int64
	index map[int64]struct{}
	next  int
	limit int
}

func newTombstoneRing(limit int) *tombstoneRing {
	if limit < 0 {
		limit = 0
	}
	return &tombstoneRing{
		ids:   make([]int64, 0, limit),
		index: make(map[int64]struct{}, limit),
		limit: limit,
	}
}

func (r *tombstoneRing) add(id int64) {
	if r.limit == 0 {
		return
	}
	if _, ok := r.index[id]; ok {
		return
	}
	if len(r.ids) < r.limit {
		r.ids = append(r.ids, id)
	} else {
		delete(r.index, r.ids[r.next])
		r.ids[r.next] = id
		r.next = (r.next + 1) % r.limit
	}
	r.index[id] = struct{}{}
}

func (r *tombstoneRing) has(id int64) bool {
	_, ok := r.index[id]
	return ok
}
