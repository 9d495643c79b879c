package feed

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/liftover/callqueue"
)

// SlotState is the supervisor's view of one slot's outbound signal.
type SlotState string

// Per-slot feed states.
const (
	StateStarting SlotState = "starting"
	StateIdle     SlotState = "running-idle"
	StateLive     SlotState = "running-live"
	StateErrored  SlotState = "errored"
	StateDegraded SlotState = "degraded"
	StateStopped  SlotState = "stopped"
)

// SlotConfig describes a single broadcast slot's output target.
type SlotConfig struct {
	ID        string `json:"id"`
	OutputURL string `json:"output_url"`
}

// EventKind identifies a supervisor event.
type EventKind string

// Supervisor event kinds.
const (
	// EventError is emitted when a slot's process fails unexpectedly or
	// cannot be launched.
	EventError EventKind = "slot-error"
	// EventRecovered is emitted once a failed slot is back on the idle feed.
	EventRecovered EventKind = "slot-recovered"
)

// An Event is the supervisor reporting a slot's process lifecycle back to
// whoever orchestrates the queue.
type Event struct {
	SlotID   string
	Kind     EventKind
	Err      error
	Degraded bool
}

// Config configures the supervisor.
type Config struct {
	Slots []SlotConfig `json:"slots"`

	// RestartBackoff is how long to wait before reviving a failed slot.
	RestartBackoff time.Duration `json:"restart_backoff,omitempty"`
	// DegradedRestarts failures within DegradedWindow mark the slot
	// degraded, stretching its backoff by DegradedBackoffFactor. This is
	// the guard against a thundering restart loop.
	DegradedRestarts      int           `json:"degraded_restarts,omitempty"`
	DegradedWindow        time.Duration `json:"degraded_window,omitempty"`
	DegradedBackoffFactor int           `json:"degraded_backoff_factor,omitempty"`
}

// Validate ensures the configuration is usable and fills in defaults.
func (config *Config) Validate() error {
	if len(config.Slots) == 0 {
		return errors.New("supervisor config: at least one slot required")
	}
	seen := map[string]bool{}
	for _, slot := range config.Slots {
		if slot.ID == "" || slot.OutputURL == "" {
			return errors.New("supervisor config: slot id and output_url required")
		}
		if seen[slot.ID] {
			return errors.Errorf("supervisor config: duplicate slot %q", slot.ID)
		}
		seen[slot.ID] = true
	}
	if config.RestartBackoff == 0 {
		config.RestartBackoff = time.Second
	}
	if config.DegradedRestarts == 0 {
		config.DegradedRestarts = 3
	}
	if config.DegradedWindow == 0 {
		config.DegradedWindow = 30 * time.Second
	}
	if config.DegradedBackoffFactor == 0 {
		config.DegradedBackoffFactor = 5
	}
	return nil
}

// A Supervisor owns exactly one encoder process handle per broadcast slot.
// It keeps a signal flowing on every slot at all times: idle loop when
// unoccupied, caller feed when live, and automatic return to idle with
// backoff after any unexpected process exit.
type Supervisor struct {
	cfg     Config
	encoder Encoder
	logger  golog.Logger

	events  chan Event
	workers *callqueue.StoppableWorkers

	// Exit watchers and revive loops run outside workers: a watcher revives
	// its slot by spawning a replacement watcher, and a StoppableWorkers
	// worker must never add to its own group.
	watchCtx    context.Context
	watchCancel func()
	watchMu     sync.Mutex
	watchers    sync.WaitGroup
	stopping    bool

	slots map[string]*slotFeed
	order []string
}

type slotFeed struct {
	mu  sync.Mutex
	cfg SlotConfig

	state SlotState
	proc  Process
	// gen guards against stale exit notifications: every deliberate process
	// replacement bumps it, so the old process's watcher sees a mismatch and
	// stands down.
	gen       int
	startedAt time.Time
	failures  []time.Time
	degraded  bool
	// reviving is set while a backoff-revive loop owns this slot, so a
	// second failure cannot stack a second loop on top of it.
	reviving bool
}

// NewSupervisor returns a new, unstarted supervisor over the configured
// slots. Call Start to bring every slot up on the idle feed.
func NewSupervisor(ctx context.Context, cfg Config, encoder Encoder, logger golog.Logger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	watchCtx, watchCancel := context.WithCancel(ctx)
	s := &Supervisor{
		cfg:         cfg,
		encoder:     encoder,
		logger:      logger.Named("supervisor"),
		events:      make(chan Event, 64),
		workers:     callqueue.NewStoppableWorkers(ctx),
		watchCtx:    watchCtx,
		watchCancel: watchCancel,
		slots:       map[string]*slotFeed{},
	}
	for _, slotCfg := range cfg.Slots {
		s.slots[slotCfg.ID] = &slotFeed{cfg: slotCfg, state: StateStarting}
		s.order = append(s.order, slotCfg.ID)
	}
	return s, nil
}

// SlotIDs returns the configured slot ids in order.
func (s *Supervisor) SlotIDs() []string {
	return append([]string(nil), s.order...)
}

// Events delivers slot lifecycle events. The channel is buffered; the
// consumer should drain it promptly.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Start brings every slot up on the idle feed.
func (s *Supervisor) Start(ctx context.Context) error {
	for _, id := range s.order {
		if err := s.StartIdle(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// StartIdle launches the idle feed for the slot, terminating whatever
// process is currently running for it first. Exactly one process handle per
// slot exists at all times.
func (s *Supervisor) StartIdle(ctx context.Context, slotID string) error {
	slot, err := s.slot(slotID)
	if err != nil {
		return err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.state == StateStopped {
		return errors.Errorf("slot %q is stopped", slotID)
	}
	return s.startIdleLocked(ctx, slot)
}

func (s *Supervisor) startIdleLocked(ctx context.Context, slot *slotFeed) error {
	// stop errors are logged; the replacement feed is what matters here
	_ = s.stopCurrentLocked(slot)
	proc, err := s.encoder.SpawnIdleFeed(ctx, slot.cfg)
	if err != nil {
		err = errors.Wrapf(err, "error starting idle feed for %q", slot.cfg.ID)
		slot.state = StateErrored
		// A launch failure gets the same treatment as an unexpected exit:
		// the slot must never be left with no outbound signal.
		s.emit(Event{SlotID: slot.cfg.ID, Kind: EventError, Err: err, Degraded: slot.degraded})
		s.scheduleReviveLocked(slot)
		return err
	}
	slot.proc = proc
	slot.state = StateIdle
	slot.reviving = false
	if slot.degraded {
		slot.state = StateDegraded
	}
	slot.startedAt = time.Now()
	s.watchExit(slot, proc, slot.gen)
	return nil
}

// SwitchToCaller terminates the slot's current process and launches the live
// feed bound to the given caller media. On launch failure the slot
// immediately falls back to the idle feed and an EventError is emitted.
func (s *Supervisor) SwitchToCaller(ctx context.Context, slotID string, src Source) error {
	slot, err := s.slot(slotID)
	if err != nil {
		return err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.state == StateStopped {
		return errors.Errorf("slot %q is stopped", slotID)
	}
	_ = s.stopCurrentLocked(slot)
	proc, err := s.encoder.SpawnLiveFeed(ctx, slot.cfg, src)
	if err != nil {
		err = errors.Wrapf(err, "error starting live feed for %q", slotID)
		s.emit(Event{SlotID: slotID, Kind: EventError, Err: err, Degraded: slot.degraded})
		if idleErr := s.startIdleLocked(ctx, slot); idleErr != nil {
			s.logger.Errorw("fallback to idle failed", "slot", slotID, "error", idleErr)
		}
		return err
	}
	slot.proc = proc
	slot.state = StateLive
	slot.reviving = false
	slot.startedAt = time.Now()
	s.watchExit(slot, proc, slot.gen)
	return nil
}

// States returns every slot's current feed state.
func (s *Supervisor) States() map[string]SlotState {
	out := make(map[string]SlotState, len(s.slots))
	for id, slot := range s.slots {
		slot.mu.Lock()
		out[id] = slot.state
		slot.mu.Unlock()
	}
	return out
}

// Shutdown terminates all slot processes. No process is left running after
// it returns.
func (s *Supervisor) Shutdown() error {
	s.watchMu.Lock()
	s.stopping = true
	s.watchMu.Unlock()
	s.watchCancel()
	s.workers.Stop()
	// Watchers must be fully drained before the final stop pass so a revive
	// in flight cannot spawn a process behind it.
	s.watchers.Wait()
	var err error
	for _, id := range s.order {
		slot := s.slots[id]
		slot.mu.Lock()
		err = multierr.Combine(err, s.stopCurrentLocked(slot))
		slot.state = StateStopped
		slot.mu.Unlock()
	}
	return err
}

// stopCurrentLocked terminates the slot's current process, if any, bumping
// the generation so the process's exit watcher knows the stop was deliberate.
func (s *Supervisor) stopCurrentLocked(slot *slotFeed) error {
	slot.gen++
	if slot.proc == nil {
		return nil
	}
	err := slot.proc.Stop()
	if err != nil {
		s.logger.Errorw("error stopping slot process", "slot", slot.cfg.ID, "error", err)
	}
	slot.proc = nil
	return err
}

// spawnWatcher runs fn on its own goroutine tracked by the watcher group.
// Reports whether the goroutine was started; it is not once Shutdown began.
func (s *Supervisor) spawnWatcher(fn func(ctx context.Context)) bool {
	s.watchMu.Lock()
	if s.stopping {
		s.watchMu.Unlock()
		return false
	}
	s.watchers.Add(1)
	s.watchMu.Unlock()
	callqueue.PanicCapturingGo(func() {
		defer s.watchers.Done()
		fn(s.watchCtx)
	})
	return true
}

// watchExit watches one spawned process for an unexpected exit and, when one
// happens, marks the slot errored and revives it on the idle feed after a
// backoff. This auto-heal is unconditional: a slot must never be left with
// no outbound signal.
func (s *Supervisor) watchExit(slot *slotFeed, proc Process, gen int) {
	if !s.spawnWatcher(func(ctx context.Context) {
		select {
		case <-ctx.Done():
			return
		case <-proc.Done():
		}

		slot.mu.Lock()
		if gen != slot.gen {
			// We replaced this process on purpose.
			slot.mu.Unlock()
			return
		}
		slot.gen++
		slot.proc = nil
		slot.state = StateErrored
		exitErr := proc.ExitErr()
		if exitErr == nil {
			exitErr = errors.Errorf("feed process for %q exited before expected", slot.cfg.ID)
		}

		now := time.Now()
		if now.Sub(slot.startedAt) > s.cfg.DegradedWindow {
			// Ran clean for a full window; forgive past failures.
			slot.failures = nil
			slot.degraded = false
		}
		slot.failures = append(slot.failures, now)
		cutoff := now.Add(-s.cfg.DegradedWindow)
		for len(slot.failures) > 0 && slot.failures[0].Before(cutoff) {
			slot.failures = slot.failures[1:]
		}
		if len(slot.failures) > s.cfg.DegradedRestarts {
			slot.degraded = true
		}
		degraded := slot.degraded
		slot.reviving = true
		slot.mu.Unlock()

		s.logger.Errorw("slot process exited before expected", "slot", slot.cfg.ID, "error", exitErr, "degraded", degraded)
		s.emit(Event{SlotID: slot.cfg.ID, Kind: EventError, Err: exitErr, Degraded: degraded})
		s.reviveLoop(ctx, slot, degraded)
	}) {
		s.logger.Debugw("not watching process exit; shutting down", "slot", slot.cfg.ID)
	}
}

// scheduleReviveLocked arranges for the slot to be brought back to the idle
// feed after the restart backoff. No-op when a revive loop already owns the
// slot. Called with slot.mu held.
func (s *Supervisor) scheduleReviveLocked(slot *slotFeed) {
	if slot.reviving {
		return
	}
	slot.reviving = true
	degraded := slot.degraded
	if !s.spawnWatcher(func(ctx context.Context) {
		s.reviveLoop(ctx, slot, degraded)
	}) {
		slot.reviving = false
	}
}

// reviveLoop retries the slot's idle feed with backoff until it comes up,
// the slot is stopped, or somebody else brings a process up first.
func (s *Supervisor) reviveLoop(ctx context.Context, slot *slotFeed, degraded bool) {
	backoff := s.cfg.RestartBackoff
	if degraded {
		backoff *= time.Duration(s.cfg.DegradedBackoffFactor)
	}
	for {
		if !callqueue.SelectContextOrWait(ctx, backoff) {
			return
		}
		slot.mu.Lock()
		if slot.state == StateStopped || slot.proc != nil {
			slot.mu.Unlock()
			return
		}
		// startIdleLocked clears reviving on success and re-emits the
		// slot-error on failure.
		err := s.startIdleLocked(ctx, slot)
		slot.mu.Unlock()
		if err == nil {
			s.emit(Event{SlotID: slot.cfg.ID, Kind: EventRecovered, Degraded: degraded})
			return
		}
		s.logger.Errorw("error reviving slot to idle", "slot", slot.cfg.ID, "error", err)
	}
}

func (s *Supervisor) emit(event Event) {
	select {
	case s.events <- event:
	default:
		s.logger.Warnw("dropping supervisor event; consumer too slow", "slot", event.SlotID, "kind", event.Kind)
	}
}

func (s *Supervisor) slot(slotID string) (*slotFeed, error) {
	slot, ok := s.slots[slotID]
	if !ok {
		return nil, errors.Errorf("unknown slot %q", slotID)
	}
	return slot, nil
}

// WatchIdleSource watches the idle asset file and restarts the idle feed on
// every unoccupied slot when the asset changes, so a new holding graphic
// takes effect without a server restart.
func (s *Supervisor) WatchIdleSource(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		return multierr.Combine(err, watcher.Close())
	}
	return s.workers.Add(func(ctx context.Context) {
		defer func() {
			if err := watcher.Close(); err != nil {
				s.logger.Errorw("error closing idle source watcher", "error", err)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				s.logger.Infow("idle source changed; restarting idle feeds", "path", path)
				for _, id := range s.order {
					slot := s.slots[id]
					slot.mu.Lock()
					restart := slot.state == StateIdle || slot.state == StateDegraded
					slot.mu.Unlock()
					if !restart {
						continue
					}
					if err := s.StartIdle(ctx, id); err != nil {
						s.logger.Errorw("error restarting idle feed", "slot", id, "error", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Errorw("idle source watcher error", "error", err)
			}
		}
	})
}
