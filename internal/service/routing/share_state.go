package routing

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/krobus00/basket-gateway/internal/entity"
)

type shareGroup struct {
	key     string
	owner   int64
	members []int64
}

type ShareSnapshot struct {
	Key     string  `json:"key"`
	Owner   int64   `json:"owner"`
	Members []int64 `json:"members"`
}

// ShareState lets several client subscriptions ride on the children of one
// online owner subscription. The owner keeps its routing entry until the
// last member leaves, even if the owner itself unsubscribed earlier.
type ShareState struct {
	mu       sync.Mutex
	groups   map[string]*shareGroup
	byOwner  map[int64]*shareGroup
	byMember map[int64]*shareGroup
}

func NewShareState() *ShareState {
	return &ShareState{
		groups:   make(map[string]*shareGroup),
		byOwner:  make(map[int64]*shareGroup),
		byMember: make(map[int64]*shareGroup),
	}
}

// shareKey identifies the upstream stream behind a live subscription.
// Bounded or historical requests are never shared.
func shareKey(req *entity.SubscriptionRequest, targets []entity.AdapterID) (string, bool) {
	if req == nil || !req.IsSubscribe || req.From != nil || req.To != nil || req.Count > 0 {
		return "", false
	}
	switch req.DataType {
	case entity.DataTypeTicks, entity.DataTypeOrderBook, entity.DataTypeCandles:
	default:
		return "", false
	}

	adapters := make([]string, 0, len(targets))
	for _, id := range targets {
		adapters = append(adapters, id.String())
	}
	sort.Strings(adapters)

	return fmt.Sprintf("%s|%s|%s|%s", req.SecurityID, req.DataType, req.CandleInterval, strings.Join(adapters, ",")), true
}

// Register makes owner the source of key. Only the first online subscription
// for a key becomes an owner.
func (s *ShareState) Register(key string, owner int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[key]; ok {
		return false
	}
	if _, ok := s.byOwner[owner]; ok {
		return false
	}
	group := &shareGroup{key: key, owner: owner, members: []int64{owner}}
	s.groups[key] = group
	s.byOwner[owner] = group
	s.byMember[owner] = group
	return true
}

func (s *ShareState) Owner(key string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.groups[key]
	if !ok {
		return 0, false
	}
	return group.owner, true
}

// Join adds member to the group of key if it is still owned by owner.
func (s *ShareState) Join(key string, owner, member int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.groups[key]
	if !ok || group.owner != owner {
		return false
	}
	group.members = append(group.members, member)
	s.byMember[member] = group
	return true
}

// Leave removes member from its group. last is true when the group became
// empty and the owner's children must now really be unsubscribed.
func (s *ShareState) Leave(member int64) (owner int64, last bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.byMember[member]
	if !ok {
		return 0, false, false
	}
	delete(s.byMember, member)
	for i, id := range group.members {
		if id == member {
			group.members = append(group.members[:i], group.members[i+1:]...)
			break
		}
	}
	if len(group.members) > 0 {
		return group.owner, false, true
	}
	s.removeLocked(group)
	return group.owner, true, true
}

// Finish removes the group owned by owner and returns its members.
func (s *ShareState) Finish(owner int64) ([]int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.byOwner[owner]
	if !ok {
		return nil, false
	}
	members := append([]int64(nil), group.members...)
	s.removeLocked(group)
	return members, true
}

func (s *ShareState) Drop(owner int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if group, ok := s.byOwner[owner]; ok {
		s.removeLocked(group)
	}
}

// Expand replaces owner ids with every current member id.
func (s *ShareState) Expand(ids []int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.byOwner) == 0 {
		return ids
	}

	expanded := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	add := func(id int64) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		expanded = append(expanded, id)
	}
	for _, id := range ids {
		group, ok := s.byOwner[id]
		if !ok {
			add(id)
			continue
		}
		for _, member := range group.members {
			add(member)
		}
	}
	return expanded
}

// Members returns the current members of the group owned by owner. The owner
// itself is listed only while it has not left.
func (s *ShareState) Members(owner int64) ([]int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.byOwner[owner]
	if !ok {
		return nil, false
	}
	return append([]int64(nil), group.members...), true
}

func (s *ShareState) HasMember(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.byMember[id]
	return ok
}

func (s *ShareState) Snapshot() []ShareSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make([]ShareSnapshot, 0, len(s.groups))
	for _, group := range s.groups {
		snapshot = append(snapshot, ShareSnapshot{
			Key:     group.key,
			Owner:   group.owner,
			Members: append([]int64(nil), group.members...),
		})
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Owner < snapshot[j].Owner })
	return snapshot
}

func (s *ShareState) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.groups = make(map[string]*shareGroup)
	s.byOwner = make(map[int64]*shareGroup)
	s.byMember = make(map[int64]*shareGroup)
}

func (s *ShareState) removeLocked(group *shareGroup) {
	delete(s.groups, group.key)
	delete(s.byOwner, group.owner)
	for _, member := range group.members {
		delete(s.byMember, member)
	}
}

// Owns reports whether id is the owner of a live group, whether or not it is
// still one of its members.
func (s *ShareState) Owns(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.byOwner[id]
	return ok
}
