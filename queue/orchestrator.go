package queue

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/liftover/callqueue"
	"github.com/liftover/callqueue/feed"
)

// SlotFeeds is what the orchestrator needs from the slot feed supervisor.
// The supervisor exclusively owns the process handles; nothing else ever
// signals the encoder processes directly.
type SlotFeeds interface {
	StartIdle(ctx context.Context, slotID string) error
	SwitchToCaller(ctx context.Context, slotID string, src feed.Source) error
	States() map[string]feed.SlotState
}

// A Snapshot is a point-in-time consistent view across both queues and the
// slot table. Persisted snapshots are written as a single unit so a restart
// can never resurrect a live caller pointing at an idle slot.
type Snapshot struct {
	Screening []Caller     `json:"screening" bson:"screening"`
	Main      []Caller     `json:"main" bson:"main"`
	Slots     []SlotStatus `json:"slots" bson:"slots"`
	Seq       uint64       `json:"seq" bson:"seq"`
	TakenAt   time.Time    `json:"taken_at" bson:"taken_at"`
}

// A SnapshotSink persists snapshots. Writes must be atomic per snapshot.
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
}

// An Orchestrator ties the queue engine, slot registry, fan-out, and feed
// supervisor together. It translates external events into atomic transitions:
// all state mutations are serialized behind one lock, while slow external
// actions (process switches) happen outside it with synchronous reserve and
// rollback.
type Orchestrator struct {
	mu       sync.Mutex
	engine   *Engine
	registry *Registry
	media    map[string]feed.Source

	fanout  *Fanout
	feeds   SlotFeeds
	logger  golog.Logger
	workers *callqueue.StoppableWorkers

	snapshots SnapshotSink
	snapCh    chan Snapshot
}

// An Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSnapshotSink makes the orchestrator persist a snapshot after every
// mutation. Persistence is best-effort and never blocks queue operations.
func WithSnapshotSink(sink SnapshotSink) Option {
	return func(o *Orchestrator) {
		o.snapshots = sink
	}
}

// NewOrchestrator returns an orchestrator over the given slots and feeds.
func NewOrchestrator(ctx context.Context, slotIDs []string, feeds SlotFeeds, logger golog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:   NewEngine(),
		registry: NewRegistry(slotIDs),
		media:    map[string]feed.Source{},
		fanout:   NewFanout(),
		feeds:    feeds,
		logger:   logger.Named("orchestrator"),
		workers:  callqueue.NewStoppableWorkers(ctx),
		snapCh:   make(chan Snapshot, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.snapshots != nil {
		if err := o.workers.Add(o.snapshotWorker); err != nil {
			o.logger.Errorw("error starting snapshot worker", "error", err)
		}
	}
	return o
}

// Fanout returns the change event fan-out for observers to subscribe to.
func (o *Orchestrator) Fanout() *Fanout {
	return o.fanout
}

// Admit creates a caller in the screening queue and returns it along with
// its 1-based screening position.
func (o *Orchestrator) Admit(name, topic string) (Caller, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	caller, pos := o.engine.AdmitToScreening(name, topic)
	admitted := *caller
	// Published while still holding the lock so the change log's order
	// always matches the mutation order. Publish never blocks.
	o.fanout.Publish(EventScreeningChanged, o.screeningPayloadLocked())
	o.saveSnapshotLocked()
	return admitted, pos
}

// Approve moves the caller from screening to the main queue and returns its
// new 1-based main queue position.
func (o *Orchestrator) Approve(callerID string) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pos, err := o.engine.Approve(callerID)
	if err != nil {
		return 0, err
	}
	o.fanout.Publish(EventScreeningChanged, o.screeningPayloadLocked())
	o.fanout.Publish(EventMainChanged, o.mainPayloadLocked())
	o.saveSnapshotLocked()
	return pos, nil
}

// RegisterMedia records the caller's negotiated media so a later Take can
// hand it to the feed supervisor. Re-registration replaces (and closes) any
// prior media.
func (o *Orchestrator) RegisterMedia(callerID string, src feed.Source) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.engine.Caller(callerID); !ok {
		return errors.Wrapf(ErrNotFound, "register media for %q", callerID)
	}
	if old, ok := o.media[callerID]; ok {
		closeSource(old, o.logger)
	}
	o.media[callerID] = src
	return nil
}

// Take puts the caller on air: it reserves the lowest free slot and the
// caller's live status atomically, then switches the slot's feed outside the
// lock. If the switch fails the reservation is fully rolled back, with the
// caller returned to the main queue tail.
func (o *Orchestrator) Take(ctx context.Context, callerID string) (string, error) {
	o.mu.Lock()
	caller, ok := o.engine.Caller(callerID)
	if !ok || caller.Status != StatusQueued {
		o.mu.Unlock()
		return "", errors.Wrapf(ErrNotFound, "take %q", callerID)
	}
	src, ok := o.media[callerID]
	if !ok {
		o.mu.Unlock()
		return "", errors.Wrapf(ErrNoMedia, "take %q", callerID)
	}
	slotID, free := o.registry.AllocateFree()
	if !free {
		// Explicit rejection; the caller stays queued.
		o.mu.Unlock()
		return "", ErrNoSlotAvailable
	}
	if err := o.registry.Occupy(slotID, callerID); err != nil {
		o.mu.Unlock()
		return "", err
	}
	if err := o.engine.PromoteToSlot(callerID, slotID); err != nil {
		o.registry.Release(slotID)
		o.mu.Unlock()
		return "", err
	}
	o.fanout.Publish(EventMainChanged, o.mainPayloadLocked())
	o.fanout.Publish(EventSlotsChanged, o.slotsPayloadLocked())
	o.saveSnapshotLocked()
	o.mu.Unlock()

	// The reservation is held; the slow switch happens without the lock so
	// unrelated queue operations are not stalled behind a process spawn.
	if err := o.feeds.SwitchToCaller(ctx, slotID, src); err != nil {
		o.rollbackTake(slotID, callerID, err)
		return "", errors.Wrapf(err, "error switching %q to caller", slotID)
	}
	return slotID, nil
}

// rollbackTake releases a slot reservation whose external switch failed so
// the slot is never left stuck on a failed attempt. The supervisor has
// already fallen back to the idle feed on its own.
func (o *Orchestrator) rollbackTake(slotID, callerID string, cause error) {
	o.mu.Lock()
	if occupant, occupied := o.registry.Occupant(slotID); occupied && occupant == callerID {
		o.registry.Release(slotID)
	}
	if err := o.engine.ReturnToQueue(callerID); err != nil {
		// The caller may have disconnected mid-switch.
		o.logger.Debugw("caller gone during take rollback", "caller", callerID, "error", err)
	}
	o.fanout.Publish(EventSlotError, SlotErrorPayload{SlotID: slotID, Error: cause.Error()})
	o.fanout.Publish(EventMainChanged, o.mainPayloadLocked())
	o.fanout.Publish(EventSlotsChanged, o.slotsPayloadLocked())
	o.saveSnapshotLocked()
	o.mu.Unlock()
}

// NextInLine returns the main queue head without removing it.
func (o *Orchestrator) NextInLine() (Caller, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	next := o.engine.NextInLine()
	if next == nil {
		return Caller{}, false
	}
	return *next, true
}

// TakeNext takes the main queue head into the first free slot.
func (o *Orchestrator) TakeNext(ctx context.Context) (Caller, string, error) {
	next, ok := o.NextInLine()
	if !ok {
		return Caller{}, "", errors.Wrap(ErrNotFound, "no callers in queue")
	}
	slotID, err := o.Take(ctx, next.ID)
	return next, slotID, err
}

// End takes the slot's occupant off air, marking them ended, and returns the
// slot to the idle feed. Ending an already idle slot is a no-op.
func (o *Orchestrator) End(ctx context.Context, slotID string) error {
	o.mu.Lock()
	occupant, occupied := o.registry.Release(slotID)
	if !occupied {
		o.mu.Unlock()
		return nil
	}
	o.engine.Remove(occupant)
	o.releaseMediaLocked(occupant)
	o.fanout.Publish(EventSlotsChanged, o.slotsPayloadLocked())
	o.saveSnapshotLocked()
	o.mu.Unlock()

	if err := o.feeds.StartIdle(ctx, slotID); err != nil {
		// Recovered by the supervisor; never fatal here.
		o.logger.Errorw("error returning slot to idle", "slot", slotID, "error", err)
	}
	return nil
}

// Disconnect removes the caller from wherever they are. Disconnect races are
// expected: an unknown caller id is a no-op with no events.
func (o *Orchestrator) Disconnect(ctx context.Context, callerID string) {
	o.mu.Lock()
	caller, ok := o.engine.Caller(callerID)
	if !ok {
		o.mu.Unlock()
		return
	}
	if caller.Status == StatusLive {
		// The removal and the slot release happen in the same lock hold:
		// checking the occupant again would otherwise race an operator
		// recycling the slot to another caller.
		slotID := caller.SlotID
		released := false
		if occupant, occupied := o.registry.Occupant(slotID); occupied && occupant == callerID {
			o.registry.Release(slotID)
			released = true
		}
		o.engine.Remove(callerID)
		o.releaseMediaLocked(callerID)
		o.fanout.Publish(EventSlotsChanged, o.slotsPayloadLocked())
		o.saveSnapshotLocked()
		o.mu.Unlock()

		if released {
			if err := o.feeds.StartIdle(ctx, slotID); err != nil {
				o.logger.Errorw("error returning slot to idle", "slot", slotID, "error", err)
			}
		}
		return
	}
	prev, _ := o.engine.Remove(callerID)
	o.releaseMediaLocked(callerID)
	switch prev {
	case StatusScreening:
		o.fanout.Publish(EventScreeningChanged, o.screeningPayloadLocked())
	default:
		o.fanout.Publish(EventMainChanged, o.mainPayloadLocked())
	}
	o.saveSnapshotLocked()
	o.mu.Unlock()
}

// Status returns a point-in-time consistent snapshot across the screening
// queue, main queue, and slot table.
func (o *Orchestrator) Status() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// ConsumeFeedEvents delivers supervisor events into the orchestrator's
// serialized event stream, eliminating the race between a user-triggered end
// and an async process exit.
func (o *Orchestrator) ConsumeFeedEvents(events <-chan feed.Event) error {
	return o.workers.Add(func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				o.handleFeedEvent(event)
			}
		}
	})
}

func (o *Orchestrator) handleFeedEvent(event feed.Event) {
	switch event.Kind {
	case feed.EventError:
		o.mu.Lock()
		occupant, occupied := o.registry.Release(event.SlotID)
		if occupied {
			// The live feed died; the occupying caller is done.
			o.engine.Remove(occupant)
			o.releaseMediaLocked(occupant)
		}
		errMsg := ""
		if event.Err != nil {
			errMsg = event.Err.Error()
		}
		o.fanout.Publish(EventSlotError, SlotErrorPayload{
			SlotID:   event.SlotID,
			Error:    errMsg,
			Degraded: event.Degraded,
		})
		o.fanout.Publish(EventSlotsChanged, o.slotsPayloadLocked())
		o.saveSnapshotLocked()
		o.mu.Unlock()
	case feed.EventRecovered:
		o.mu.Lock()
		o.fanout.Publish(EventSlotsChanged, o.slotsPayloadLocked())
		o.mu.Unlock()
	}
}

// Close stops background workers and unsubscribes all observers. It does not
// touch the feed supervisor, which has its own shutdown.
func (o *Orchestrator) Close() {
	o.workers.Stop()
	o.fanout.Close()
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, src := range o.media {
		closeSource(src, o.logger)
		delete(o.media, id)
	}
}

func (o *Orchestrator) screeningPayloadLocked() QueueChangedPayload {
	positions, _ := o.engine.PositionsSnapshot()
	return QueueChangedPayload{Callers: o.engine.ScreeningSnapshot(), Positions: positions}
}

func (o *Orchestrator) mainPayloadLocked() QueueChangedPayload {
	_, positions := o.engine.PositionsSnapshot()
	return QueueChangedPayload{Callers: o.engine.MainSnapshot(), Positions: positions}
}

func (o *Orchestrator) slotsPayloadLocked() SlotsChangedPayload {
	return SlotsChangedPayload{Slots: o.slotStatusLocked()}
}

func (o *Orchestrator) slotStatusLocked() []SlotStatus {
	slots := o.registry.StatusSnapshot()
	states := o.feeds.States()
	for i := range slots {
		slots[i].Feed = string(states[slots[i].ID])
	}
	return slots
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	return Snapshot{
		Screening: o.engine.ScreeningSnapshot(),
		Main:      o.engine.MainSnapshot(),
		Slots:     o.slotStatusLocked(),
		Seq:       o.fanout.LastSeq(),
		TakenAt:   time.Now(),
	}
}

func (o *Orchestrator) releaseMediaLocked(callerID string) {
	if src, ok := o.media[callerID]; ok {
		closeSource(src, o.logger)
		delete(o.media, callerID)
	}
}

// saveSnapshotLocked hands the latest snapshot to the persistence worker.
// Only the most recent snapshot matters; intermediate ones may be coalesced
// away. The hand-off never blocks the lock holder.
func (o *Orchestrator) saveSnapshotLocked() {
	if o.snapshots == nil {
		return
	}
	snap := o.snapshotLocked()
	for {
		select {
		case o.snapCh <- snap:
			return
		default:
		}
		select {
		case <-o.snapCh:
		default:
		}
	}
}

func (o *Orchestrator) snapshotWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-o.snapCh:
			if err := o.snapshots.SaveSnapshot(ctx, snap); err != nil {
				o.logger.Errorw("error persisting snapshot", "error", err)
			}
		}
	}
}

func closeSource(src feed.Source, logger golog.Logger) {
	closer, ok := src.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Errorw("error closing caller media", "error", err)
	}
}
