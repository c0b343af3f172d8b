// Package state holds the application state store: the single place where
// fired triggers, dialog resolutions, and trigger management mutate what the
// presentation boundary renders.
//
// The store enforces one invariant above all: listening is active exactly
// when no overlay dialog is open. Every intent that opens an overlay pauses
// listening; every intent that closes the last overlay resumes it. The
// resume check runs at signal time, so an overlay opened in between keeps
// listening paused.
package state

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/echolens/internal/observe"
	"github.com/MrWong99/echolens/internal/trigger"
)

// Default assets and deltas, matching the stock reaction set.
const (
	// DefaultIdleAsset is the background asset outside any reaction.
	DefaultIdleAsset = "bgm.mp3"

	// DefaultAcceptAsset plays after an accepted keyword dialog.
	DefaultAcceptAsset = "Ah.mp3"

	// DefaultRejectAsset plays after a rejected keyword dialog.
	DefaultRejectAsset = "casual.mp3"

	// DefaultAcceptDelta is applied to the affection score on accept.
	DefaultAcceptDelta = -0.4

	// DefaultRejectDelta is applied to the affection score on reject.
	DefaultRejectDelta = 0.4
)

// Policy configures how dialog resolutions translate into affection deltas
// and background assets.
type Policy struct {
	AcceptDelta float64
	AcceptAsset string
	RejectDelta float64
	RejectAsset string
	IdleAsset   string
}

// DefaultPolicy returns the stock reaction policy.
func DefaultPolicy() Policy {
	return Policy{
		AcceptDelta: DefaultAcceptDelta,
		AcceptAsset: DefaultAcceptAsset,
		RejectDelta: DefaultRejectDelta,
		RejectAsset: DefaultRejectAsset,
		IdleAsset:   DefaultIdleAsset,
	}
}

// ListenControl is the store's view of the listening side. Implementations
// must be safe to call from any goroutine and tolerate redundant calls.
type ListenControl interface {
	StartListening()
	StopListening()
}

// Snapshot is an immutable view of the application state handed to
// subscribers. Slices and pointers are copies; mutating them has no effect on
// the store.
type Snapshot struct {
	// Triggers is the current trigger registry content, in insertion order.
	Triggers []trigger.KeywordTrigger

	// ShowKeywordDialog reports whether the keyword-fired choice dialog is
	// open. ActiveTrigger is non-nil exactly while it is.
	ShowKeywordDialog bool

	// ShowTriggerDialog reports whether the trigger management overlay is
	// open.
	ShowTriggerDialog bool

	// IdleAsset is the background asset the presentation should loop.
	IdleAsset string

	// ActiveTrigger is the trigger whose dialog is open, nil otherwise.
	ActiveTrigger *trigger.KeywordTrigger

	// AffectionEventID identifies the latest unconsumed affection event;
	// zero when none is pending. IDs increase by one per resolution, so
	// consumers can both dedup and order events. Consumers apply
	// AffectionEventDelta once per ID and acknowledge it.
	AffectionEventID uint64

	// AffectionEventDelta is the score delta of the pending affection event.
	AffectionEventDelta float64
}

// overlayOpen reports whether any overlay dialog is open.
func (s Snapshot) overlayOpen() bool {
	return s.ShowKeywordDialog || s.ShowTriggerDialog
}

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*Store)

// WithPolicy overrides the reaction policy. Default: DefaultPolicy().
func WithPolicy(p Policy) StoreOption {
	return func(s *Store) { s.policy = p }
}

// WithListenControl wires the listening side. Without it, listening
// start/stop signals are dropped.
func WithListenControl(lc ListenControl) StoreOption {
	return func(s *Store) { s.listen = lc }
}

// WithMetrics enables store telemetry.
func WithMetrics(m *observe.Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// WithTriggerSync registers fn to receive every new trigger snapshot after
// the store has applied it. The registry supports a single change listener
// (the store claims it), so other trigger consumers hook in here. fn runs
// synchronously inside registry mutations and must not call back into the
// store or the registry.
func WithTriggerSync(fn func([]trigger.KeywordTrigger)) StoreOption {
	return func(s *Store) { s.triggerSync = fn }
}

// Store is the application state store. All methods are safe for concurrent
// use. State changes are pushed to subscribers as full snapshots.
type Store struct {
	registry    *trigger.Registry
	policy      Policy
	listen      ListenControl
	metrics     *observe.Metrics
	triggerSync func([]trigger.KeywordTrigger)

	mu           sync.Mutex
	snap         Snapshot
	subs         map[int]chan Snapshot
	next         int
	affectionSeq uint64
}

// NewStore creates a Store bound to the given registry. The store registers
// itself as the registry's change listener, so trigger CRUD is reflected in
// snapshots synchronously.
func NewStore(registry *trigger.Registry, opts ...StoreOption) *Store {
	s := &Store{
		registry: registry,
		policy:   DefaultPolicy(),
		subs:     make(map[int]chan Snapshot),
	}
	for _, o := range opts {
		o(s)
	}
	s.snap = Snapshot{
		Triggers:  registry.Snapshot(),
		IdleAsset: s.policy.IdleAsset,
	}
	registry.OnChange(s.setTriggers)
	return s
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copySnapLocked()
}

// Subscribe registers a snapshot channel with the given buffer capacity and
// returns it together with a cancel function. When the subscriber lags, older
// snapshots are dropped in favour of the latest.
func (s *Store) Subscribe(buf int) (<-chan Snapshot, func()) {
	if buf <= 0 {
		buf = 1
	}
	ch := make(chan Snapshot, buf)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	// Seed the subscriber with the current state.
	ch <- s.copySnapLocked()
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// OnFiredTrigger opens the keyword dialog for the fired trigger and pauses
// listening. Ignored while any overlay is already open — the firing is lost,
// which matches the at-most-one-open-dialog rule.
func (s *Store) OnFiredTrigger(t trigger.KeywordTrigger) {
	s.mu.Lock()
	if s.snap.overlayOpen() {
		s.mu.Unlock()
		slog.Debug("state: fired trigger ignored, overlay already open",
			"keyword", t.Keyword, "trigger_id", t.ID)
		return
	}
	tc := t
	s.snap.ShowKeywordDialog = true
	s.snap.ActiveTrigger = &tc
	s.notifyLocked()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.OpenOverlays.Add(context.Background(), 1)
	}
	slog.Info("state: keyword dialog opened", "keyword", t.Keyword, "trigger_id", t.ID)
	s.stopListening()
}

// AcceptActiveTrigger resolves the keyword dialog positively: emits an
// affection event with the accept delta, switches the background asset, and
// resumes listening if no other overlay is open. No-op without an open
// keyword dialog.
func (s *Store) AcceptActiveTrigger() {
	s.resolveActiveTrigger("accept", s.policy.AcceptDelta, s.policy.AcceptAsset)
}

// RejectActiveTrigger resolves the keyword dialog negatively with the reject
// delta and asset. No-op without an open keyword dialog.
func (s *Store) RejectActiveTrigger() {
	s.resolveActiveTrigger("reject", s.policy.RejectDelta, s.policy.RejectAsset)
}

// DismissActiveTrigger closes the keyword dialog without emitting an
// affection event or changing the asset. No-op without an open keyword
// dialog.
func (s *Store) DismissActiveTrigger() {
	s.mu.Lock()
	if !s.snap.ShowKeywordDialog {
		s.mu.Unlock()
		slog.Debug("state: dismiss without open keyword dialog")
		return
	}
	s.snap.ShowKeywordDialog = false
	s.snap.ActiveTrigger = nil
	s.notifyLocked()
	resume := !s.snap.overlayOpen()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.OpenOverlays.Add(context.Background(), -1)
		s.metrics.RecordDialogResolution(context.Background(), "dismiss")
	}
	slog.Info("state: keyword dialog dismissed")
	if resume {
		s.startListening()
	}
}

// resolveActiveTrigger is the shared accept/reject path.
func (s *Store) resolveActiveTrigger(outcome string, delta float64, asset string) {
	s.mu.Lock()
	if !s.snap.ShowKeywordDialog || s.snap.ActiveTrigger == nil {
		s.mu.Unlock()
		slog.Debug("state: resolution without open keyword dialog", "outcome", outcome)
		return
	}
	keyword := s.snap.ActiveTrigger.Keyword
	s.snap.ShowKeywordDialog = false
	s.snap.ActiveTrigger = nil
	s.affectionSeq++
	s.snap.AffectionEventID = s.affectionSeq
	s.snap.AffectionEventDelta = delta
	if asset != "" {
		s.snap.IdleAsset = asset
	}
	eventID := s.snap.AffectionEventID
	s.notifyLocked()
	resume := !s.snap.overlayOpen()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.OpenOverlays.Add(context.Background(), -1)
		s.metrics.RecordDialogResolution(context.Background(), outcome)
	}
	slog.Info("state: keyword dialog resolved",
		"outcome", outcome, "keyword", keyword, "delta", delta, "event_id", eventID)
	if resume {
		s.startListening()
	}
}

// AcknowledgeAffectionEvent clears the pending affection event if id matches.
// Consumers call this after applying the delta, so a re-delivered snapshot
// cannot apply it twice.
func (s *Store) AcknowledgeAffectionEvent(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == 0 || s.snap.AffectionEventID != id {
		return
	}
	s.snap.AffectionEventID = 0
	s.snap.AffectionEventDelta = 0
	s.notifyLocked()
}

// OpenTriggerManagement opens the trigger management overlay and pauses
// listening. No-op if already open.
func (s *Store) OpenTriggerManagement() {
	s.mu.Lock()
	if s.snap.ShowTriggerDialog {
		s.mu.Unlock()
		return
	}
	s.snap.ShowTriggerDialog = true
	s.notifyLocked()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.OpenOverlays.Add(context.Background(), 1)
	}
	slog.Info("state: trigger management opened")
	s.stopListening()
}

// CloseTriggerManagement closes the trigger management overlay and resumes
// listening if no other overlay is open. No-op if not open.
func (s *Store) CloseTriggerManagement() {
	s.mu.Lock()
	if !s.snap.ShowTriggerDialog {
		s.mu.Unlock()
		return
	}
	s.snap.ShowTriggerDialog = false
	s.notifyLocked()
	resume := !s.snap.overlayOpen()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.OpenOverlays.Add(context.Background(), -1)
	}
	slog.Info("state: trigger management closed")
	if resume {
		s.startListening()
	}
}

// SelectIdleAsset sets the background asset directly, independent of dialog
// resolutions.
func (s *Store) SelectIdleAsset(asset string) {
	if asset == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.IdleAsset == asset {
		return
	}
	s.snap.IdleAsset = asset
	s.notifyLocked()
}

// AddTrigger creates a trigger in the registry. Validation failures are
// logged and returned; the state is unchanged.
func (s *Store) AddTrigger(keyword string, dialogType trigger.DialogType) (trigger.KeywordTrigger, error) {
	t, err := s.registry.Add(keyword, dialogType)
	if err != nil {
		slog.Warn("state: add trigger rejected", "keyword", keyword, "err", err)
		return trigger.KeywordTrigger{}, err
	}
	return t, nil
}

// UpdateTrigger edits a trigger in the registry. Validation failures are
// logged and returned; the state is unchanged.
func (s *Store) UpdateTrigger(id, keyword string, dialogType trigger.DialogType) (trigger.KeywordTrigger, error) {
	t, err := s.registry.Update(id, keyword, dialogType)
	if err != nil {
		slog.Warn("state: update trigger rejected", "trigger_id", id, "keyword", keyword, "err", err)
		return trigger.KeywordTrigger{}, err
	}
	return t, nil
}

// RemoveTrigger deletes a trigger from the registry. Removing an unknown ID
// is a no-op.
func (s *Store) RemoveTrigger(id string) {
	s.registry.Remove(id)
}

// setTriggers is the registry change listener. Runs synchronously inside
// registry mutations, never while s.mu is held by a registry caller.
func (s *Store) setTriggers(triggers []trigger.KeywordTrigger) {
	s.mu.Lock()
	s.snap.Triggers = triggers
	s.notifyLocked()
	s.mu.Unlock()

	if s.triggerSync != nil {
		s.triggerSync(triggers)
	}
}

// copySnapLocked deep-copies the current snapshot. Caller holds s.mu.
func (s *Store) copySnapLocked() Snapshot {
	snap := s.snap
	snap.Triggers = append([]trigger.KeywordTrigger(nil), s.snap.Triggers...)
	if s.snap.ActiveTrigger != nil {
		t := *s.snap.ActiveTrigger
		snap.ActiveTrigger = &t
	}
	return snap
}

// notifyLocked pushes the current snapshot to all subscribers, keeping only
// the latest value for slow consumers. Caller holds s.mu.
func (s *Store) notifyLocked() {
	snap := s.copySnapLocked()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// Drop the oldest queued snapshot and retry with the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (s *Store) startListening() {
	if s.listen == nil {
		return
	}
	s.listen.StartListening()
}

func (s *Store) stopListening() {
	if s.listen == nil {
		return
	}
	s.listen.StopListening()
}
