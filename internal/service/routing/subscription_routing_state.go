package routing

import (
	"sync"

	"github.com/krobus00/basket-gateway/internal/entity"
	"go.uber.org/multierr"
)

type SubscriptionKind string

const (
	SubscriptionKindSubscribe   SubscriptionKind = "subscribe"
	SubscriptionKindUnsubscribe SubscriptionKind = "unsubscribe"
)

type SubscriptionStatus string

const (
	SubscriptionStatusFanningOut        SubscriptionStatus = "fanning_out"
	SubscriptionStatusAwaitingResponses SubscriptionStatus = "awaiting_responses"
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusOnline            SubscriptionStatus = "online"
	SubscriptionStatusFinished          SubscriptionStatus = "finished"
	SubscriptionStatusFailed            SubscriptionStatus = "failed"
)

// Outcome tells the caller which parent-level notifications the last
// transition produced. Each flag is set at most once per parent lifetime.
type Outcome struct {
	ParentID  int64
	Kind      SubscriptionKind
	Responded bool
	Error     error
	Online    bool
	Finished  bool
	// Removed is set when the parent and its children were torn down.
	Removed bool
	// Unsubscribed names the subscription torn down by a completed
	// unsubscribe.
	Unsubscribed int64
}

// ChildUnsubscribe is one unsubscribe leg: ChildID is the new request id and
// TargetChildID the subscribe child it cancels.
type ChildUnsubscribe struct {
	ChildID       int64
	TargetChildID int64
	AdapterID     entity.AdapterID
}

type childStatus struct {
	adapterID entity.AdapterID
	target    int64
	responded bool
	err       error
	online    bool
	finished  bool
}

func (c *childStatus) live() bool {
	return c.err == nil && !c.finished
}

type subscriptionEntry struct {
	parentID      int64
	kind          SubscriptionKind
	status        SubscriptionStatus
	request       *entity.SubscriptionRequest
	targets       []entity.AdapterID
	order         []int64
	children      map[int64]*childStatus
	responded     int
	responseSent  bool
	onlineSent    bool
	finishedSent  bool
	unsubscribeTx int64
	target        int64
}

// SubscriptionRoutingState is the per-parent aggregation state machine. Every
// method is atomic. Callers serialize multi-step work on one parent.
type SubscriptionRoutingState struct {
	mu       sync.Mutex
	children *ParentChildMap
	entries  map[int64]*subscriptionEntry
}

func NewSubscriptionRoutingState(children *ParentChildMap) *SubscriptionRoutingState {
	return &SubscriptionRoutingState{
		children: children,
		entries:  make(map[int64]*subscriptionEntry),
	}
}

// BeginFanOut records the parent and allocates one child per target. The
// parent stays FanningOut until CommitFanOut, so no aggregate can fire while
// children are still being dispatched.
func (s *SubscriptionRoutingState) BeginFanOut(parentID int64, req *entity.SubscriptionRequest, targets []entity.AdapterID) ([]ChildLeg, error) {
	if len(targets) == 0 {
		return nil, ErrNoEligibleAdapters
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[parentID]; ok {
		return nil, ErrDuplicateTransaction
	}

	entry := &subscriptionEntry{
		parentID: parentID,
		kind:     SubscriptionKindSubscribe,
		status:   SubscriptionStatusFanningOut,
		request:  req.Clone(),
		targets:  append([]entity.AdapterID(nil), targets...),
		children: make(map[int64]*childStatus, len(targets)),
	}

	legs := make([]ChildLeg, 0, len(targets))
	for _, adapterID := range targets {
		childID := s.children.CreateChild(parentID, adapterID)
		entry.children[childID] = &childStatus{adapterID: adapterID}
		entry.order = append(entry.order, childID)
		legs = append(legs, ChildLeg{ChildID: childID, AdapterID: adapterID})
	}
	s.entries[parentID] = entry
	return legs, nil
}

func (s *SubscriptionRoutingState) CommitFanOut(parentID int64) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[parentID]
	if !ok || entry.status != SubscriptionStatusFanningOut {
		return Outcome{ParentID: parentID}
	}
	entry.status = SubscriptionStatusAwaitingResponses
	return s.evaluate(entry)
}

func (s *SubscriptionRoutingState) IsFanningOut(parentID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[parentID]
	return ok && entry.status == SubscriptionStatusFanningOut
}

func (s *SubscriptionRoutingState) Has(parentID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[parentID]
	return ok
}

// Describe returns the original request and target set of a subscribe entry.
func (s *SubscriptionRoutingState) Describe(parentID int64) (*entity.SubscriptionRequest, []entity.AdapterID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[parentID]
	if !ok || entry.kind != SubscriptionKindSubscribe {
		return nil, nil, false
	}
	return entry.request.Clone(), append([]entity.AdapterID(nil), entry.targets...), true
}

// OnChildResponse records a child's answer. A late error for a child that
// already succeeded removes it from the live set.
func (s *SubscriptionRoutingState) OnChildResponse(childID int64, err error) (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, child, ok := s.lookupLocked(childID)
	if !ok {
		return Outcome{}, false
	}

	if child.responded {
		if err == nil || child.err != nil {
			return Outcome{ParentID: entry.parentID, Kind: entry.kind}, true
		}
		child.err = err
		return s.evaluate(entry), true
	}

	child.responded = true
	child.err = err
	entry.responded++
	return s.evaluate(entry), true
}

// OnChildOnline treats a missing response as an implicit success.
func (s *SubscriptionRoutingState) OnChildOnline(childID int64) (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, child, ok := s.lookupLocked(childID)
	if !ok {
		return Outcome{}, false
	}
	if entry.kind != SubscriptionKindSubscribe || child.err != nil {
		return Outcome{ParentID: entry.parentID, Kind: entry.kind}, true
	}

	s.implicitResponseLocked(entry, child)
	child.online = true
	return s.evaluate(entry), true
}

func (s *SubscriptionRoutingState) OnChildFinished(childID int64) (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, child, ok := s.lookupLocked(childID)
	if !ok {
		return Outcome{}, false
	}
	if entry.kind != SubscriptionKindSubscribe || child.err != nil {
		return Outcome{ParentID: entry.parentID, Kind: entry.kind}, true
	}

	s.implicitResponseLocked(entry, child)
	child.finished = true
	return s.evaluate(entry), true
}

// Unsubscribe opens an unsubscribe entry under unsubscribeTx with one child
// per live leg of parentID. With no live legs the subscription is torn down
// right away and the returned slice is empty.
func (s *SubscriptionRoutingState) Unsubscribe(unsubscribeTx, parentID int64) ([]ChildUnsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.entries[parentID]
	if !ok || target.kind != SubscriptionKindSubscribe {
		return nil, ErrUnknownSubscription
	}
	if target.unsubscribeTx != 0 {
		return nil, ErrAlreadyUnsubscribing
	}
	if _, ok := s.entries[unsubscribeTx]; ok {
		return nil, ErrDuplicateTransaction
	}

	var live []ChildLeg
	for _, childID := range target.order {
		if child := target.children[childID]; child.live() {
			live = append(live, ChildLeg{ChildID: childID, AdapterID: child.adapterID})
		}
	}
	if len(live) == 0 {
		s.teardownLocked(target)
		return nil, nil
	}

	target.unsubscribeTx = unsubscribeTx
	entry := &subscriptionEntry{
		parentID: unsubscribeTx,
		kind:     SubscriptionKindUnsubscribe,
		status:   SubscriptionStatusFanningOut,
		request:  target.request.Clone(),
		children: make(map[int64]*childStatus, len(live)),
		target:   parentID,
	}
	legs := make([]ChildUnsubscribe, 0, len(live))
	for _, leg := range live {
		childID := s.children.CreateChild(unsubscribeTx, leg.AdapterID)
		entry.children[childID] = &childStatus{adapterID: leg.AdapterID, target: leg.ChildID}
		entry.order = append(entry.order, childID)
		entry.targets = append(entry.targets, leg.AdapterID)
		legs = append(legs, ChildUnsubscribe{ChildID: childID, TargetChildID: leg.ChildID, AdapterID: leg.AdapterID})
	}
	s.entries[unsubscribeTx] = entry
	return legs, nil
}

// RemapDataSubscriptionIDs replaces child ids with their parent ids, drops
// ids of torn down parents and keeps unknown ids. The result has no
// duplicates and keeps first-seen order.
func (s *SubscriptionRoutingState) RemapDataSubscriptionIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return ids
	}

	remapped := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if parentID, ok := s.children.TryGetParent(id); ok {
			id = parentID
		} else if s.children.IsTombstoned(id) {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		remapped = append(remapped, id)
	}
	return remapped
}

func (s *SubscriptionRoutingState) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

func (s *SubscriptionRoutingState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[int64]*subscriptionEntry)
	s.children.Clear()
}

type ChildSnapshot struct {
	ChildID   int64            `json:"child_id"`
	AdapterID entity.AdapterID `json:"adapter_id"`
	Responded bool             `json:"responded"`
	Error     string           `json:"error,omitempty"`
	Online    bool             `json:"online"`
	Finished  bool             `json:"finished"`
}

type SubscriptionSnapshot struct {
	ParentID      int64                       `json:"parent_id"`
	Kind          SubscriptionKind            `json:"kind"`
	Status        SubscriptionStatus          `json:"status"`
	Request       *entity.SubscriptionRequest `json:"request"`
	Children      []ChildSnapshot             `json:"children"`
	UnsubscribeTx int64                       `json:"unsubscribe_transaction_id,omitempty"`
	Target        int64                       `json:"target_transaction_id,omitempty"`
}

func (s *SubscriptionRoutingState) Snapshot() []SubscriptionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make([]SubscriptionSnapshot, 0, len(s.entries))
	for _, entry := range s.entries {
		item := SubscriptionSnapshot{
			ParentID:      entry.parentID,
			Kind:          entry.kind,
			Status:        entry.status,
			Request:       entry.request.Clone(),
			UnsubscribeTx: entry.unsubscribeTx,
			Target:        entry.target,
		}
		for _, childID := range entry.order {
			child := entry.children[childID]
			cs := ChildSnapshot{
				ChildID:   childID,
				AdapterID: child.adapterID,
				Responded: child.responded,
				Online:    child.online,
				Finished:  child.finished,
			}
			if child.err != nil {
				cs.Error = child.err.Error()
			}
			item.Children = append(item.Children, cs)
		}
		snapshot = append(snapshot, item)
	}
	return snapshot
}

func (s *SubscriptionRoutingState) lookupLocked(childID int64) (*subscriptionEntry, *childStatus, bool) {
	parentID, ok := s.children.TryGetParent(childID)
	if !ok {
		return nil, nil, false
	}
	entry, ok := s.entries[parentID]
	if !ok {
		return nil, nil, false
	}
	child, ok := entry.children[childID]
	if !ok {
		return nil, nil, false
	}
	return entry, child, true
}

func (s *SubscriptionRoutingState) implicitResponseLocked(entry *subscriptionEntry, child *childStatus) {
	if child.responded {
		return
	}
	child.responded = true
	entry.responded++
}

func (s *SubscriptionRoutingState) evaluate(entry *subscriptionEntry) Outcome {
	out := Outcome{ParentID: entry.parentID, Kind: entry.kind}
	if entry.status == SubscriptionStatusFanningOut {
		return out
	}

	if !entry.responseSent {
		if entry.responded < len(entry.children) {
			return out
		}
		entry.responseSent = true
		out.Responded = true

		var errs []error
		for _, childID := range entry.order {
			if err := entry.children[childID].err; err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) == len(entry.children) {
			out.Error = multierr.Combine(errs...)
		}

		if entry.kind == SubscriptionKindUnsubscribe {
			if target, ok := s.entries[entry.target]; ok {
				s.teardownLocked(target)
				out.Unsubscribed = target.parentID
			}
			s.teardownLocked(entry)
			out.Removed = true
			return out
		}
		if out.Error != nil {
			entry.status = SubscriptionStatusFailed
			s.teardownLocked(entry)
			out.Removed = true
			return out
		}
		entry.status = SubscriptionStatusActive
	}

	if entry.kind != SubscriptionKindSubscribe || entry.unsubscribeTx != 0 {
		return out
	}

	if !entry.onlineSent && s.anyLiveOnline(entry) {
		entry.onlineSent = true
		entry.status = SubscriptionStatusOnline
		out.Online = true
	}

	if !entry.finishedSent && s.allLiveFinished(entry) {
		entry.finishedSent = true
		entry.status = SubscriptionStatusFinished
		out.Finished = true
		s.teardownLocked(entry)
		out.Removed = true
	}
	return out
}

// anyLiveOnline reports whether a child that has not errored is online.
func (s *SubscriptionRoutingState) anyLiveOnline(entry *subscriptionEntry) bool {
	for _, child := range entry.children {
		if child.online && child.err == nil {
			return true
		}
	}
	return false
}

// allLiveFinished reports whether every child that did not error has
// finished. A parent whose surviving children all failed later counts as
// finished.
func (s *SubscriptionRoutingState) allLiveFinished(entry *subscriptionEntry) bool {
	for _, child := range entry.children {
		if child.err == nil && !child.finished {
			return false
		}
	}
	return true
}

func (s *SubscriptionRoutingState) teardownLocked(entry *subscriptionEntry) {
	delete(s.entries, entry.parentID)
	s.children.RemoveParent(entry.parentID)
}
