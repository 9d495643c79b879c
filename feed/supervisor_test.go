package feed

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

// fakeProcess is an Encoder-spawned process handle whose exit the test
// controls directly.
type fakeProcess struct {
	mu      sync.Mutex
	id      string
	done    chan struct{}
	exitErr error
	stopped bool
}

func newFakeProcess(id string) *fakeProcess {
	return &fakeProcess{id: id, done: make(chan struct{})}
}

func (p *fakeProcess) ID() string { return p.id }

func (p *fakeProcess) Start(ctx context.Context) error { return nil }

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *fakeProcess) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true
	close(p.done)
	return nil
}

// die simulates an unexpected exit.
func (p *fakeProcess) die(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	p.exitErr = err
	close(p.done)
}

type spawned struct {
	proc *fakeProcess
	live bool
}

// fakeEncoder records every spawn and can be scripted to fail.
type fakeEncoder struct {
	mu       sync.Mutex
	spawns   chan spawned
	failIdle error
	failLive error
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{spawns: make(chan spawned, 32)}
}

func (e *fakeEncoder) SpawnIdleFeed(ctx context.Context, slot SlotConfig) (Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failIdle != nil {
		return nil, e.failIdle
	}
	proc := newFakeProcess(slot.ID + "-idle")
	e.spawns <- spawned{proc: proc}
	return proc, nil
}

func (e *fakeEncoder) SpawnLiveFeed(ctx context.Context, slot SlotConfig, src Source) (Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failLive != nil {
		return nil, e.failLive
	}
	proc := newFakeProcess(slot.ID + "-live")
	e.spawns <- spawned{proc: proc, live: true}
	return proc, nil
}

func (e *fakeEncoder) setFailLive(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failLive = err
}

func (e *fakeEncoder) setFailIdle(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failIdle = err
}

func (e *fakeEncoder) nextSpawn(t *testing.T) spawned {
	t.Helper()
	select {
	case sp := <-e.spawns:
		return sp
	case <-time.After(5 * time.Second):
		t.Fatal("no process spawned")
		return spawned{}
	}
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("no supervisor event")
		return Event{}
	}
}

// awaitRecovered drains events until the slot reports recovered, tolerating
// any number of retry errors along the way.
func awaitRecovered(t *testing.T, events <-chan Event) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Kind == EventRecovered {
				return event
			}
			test.That(t, event.Kind, test.ShouldEqual, EventError)
		case <-deadline:
			t.Fatal("slot never recovered")
			return Event{}
		}
	}
}

type staticSource string

func (s staticSource) IngestURL() string { return string(s) }

func testConfig() Config {
	return Config{
		Slots: []SlotConfig{
			{ID: "slot1", OutputURL: "srt://localhost:9001"},
			{ID: "slot2", OutputURL: "srt://localhost:9002"},
		},
		RestartBackoff: 10 * time.Millisecond,
	}
}

func TestSupervisorConfigValidate(t *testing.T) {
	var emptyConfig Config
	err := emptyConfig.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "at least one slot")

	badSlot := Config{Slots: []SlotConfig{{ID: "slot1"}}}
	err = badSlot.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "output_url")

	dup := Config{Slots: []SlotConfig{
		{ID: "slot1", OutputURL: "srt://a"},
		{ID: "slot1", OutputURL: "srt://b"},
	}}
	err = dup.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "duplicate")

	valid := testConfig()
	test.That(t, valid.Validate(), test.ShouldBeNil)
	test.That(t, valid.DegradedRestarts, test.ShouldEqual, 3)
	test.That(t, valid.DegradedWindow, test.ShouldEqual, 30*time.Second)
	test.That(t, valid.DegradedBackoffFactor, test.ShouldEqual, 5)
}

func TestSupervisorStart(t *testing.T) {
	logger := golog.NewTestLogger(t)
	encoder := newFakeEncoder()
	supervisor, err := NewSupervisor(context.Background(), testConfig(), encoder, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, supervisor.SlotIDs(), test.ShouldResemble, []string{"slot1", "slot2"})

	test.That(t, supervisor.Start(context.Background()), test.ShouldBeNil)
	first := encoder.nextSpawn(t)
	second := encoder.nextSpawn(t)
	test.That(t, first.live, test.ShouldBeFalse)
	test.That(t, second.live, test.ShouldBeFalse)

	test.That(t, supervisor.States(), test.ShouldResemble, map[string]SlotState{
		"slot1": StateIdle,
		"slot2": StateIdle,
	})

	test.That(t, supervisor.Shutdown(), test.ShouldBeNil)
	test.That(t, first.proc.stopped, test.ShouldBeTrue)
	test.That(t, second.proc.stopped, test.ShouldBeTrue)
	test.That(t, supervisor.States()["slot1"], test.ShouldEqual, StateStopped)

	t.Run("stopped slots stay stopped", func(t *testing.T) {
		err := supervisor.StartIdle(context.Background(), "slot1")
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "stopped")
	})
}

func TestSupervisorSwitchToCaller(t *testing.T) {
	logger := golog.NewTestLogger(t)
	encoder := newFakeEncoder()
	supervisor, err := NewSupervisor(context.Background(), testConfig(), encoder, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, supervisor.Shutdown(), test.ShouldBeNil)
	}()
	test.That(t, supervisor.Start(context.Background()), test.ShouldBeNil)
	idle1 := encoder.nextSpawn(t)
	encoder.nextSpawn(t)

	test.That(t, supervisor.SwitchToCaller(context.Background(), "slot1", staticSource("caller.sdp")), test.ShouldBeNil)
	live := encoder.nextSpawn(t)
	test.That(t, live.live, test.ShouldBeTrue)
	// The idle process was replaced, not left running alongside.
	test.That(t, idle1.proc.stopped, test.ShouldBeTrue)
	test.That(t, supervisor.States()["slot1"], test.ShouldEqual, StateLive)
	test.That(t, supervisor.States()["slot2"], test.ShouldEqual, StateIdle)

	// Back to idle when the caller is done.
	test.That(t, supervisor.StartIdle(context.Background(), "slot1"), test.ShouldBeNil)
	idleAgain := encoder.nextSpawn(t)
	test.That(t, idleAgain.live, test.ShouldBeFalse)
	test.That(t, live.proc.stopped, test.ShouldBeTrue)
	test.That(t, supervisor.States()["slot1"], test.ShouldEqual, StateIdle)

	t.Run("unknown slot", func(t *testing.T) {
		err := supervisor.SwitchToCaller(context.Background(), "slot9", staticSource("caller.sdp"))
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "unknown slot")
	})
}

func TestSupervisorSwitchFailureFallsBackToIdle(t *testing.T) {
	logger := golog.NewTestLogger(t)
	encoder := newFakeEncoder()
	supervisor, err := NewSupervisor(context.Background(), testConfig(), encoder, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, supervisor.Shutdown(), test.ShouldBeNil)
	}()
	test.That(t, supervisor.Start(context.Background()), test.ShouldBeNil)
	encoder.nextSpawn(t)
	encoder.nextSpawn(t)

	encoder.setFailLive(errors.New("no such input"))
	err = supervisor.SwitchToCaller(context.Background(), "slot1", staticSource("caller.sdp"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no such input")

	event := nextEvent(t, supervisor.Events())
	test.That(t, event.SlotID, test.ShouldEqual, "slot1")
	test.That(t, event.Kind, test.ShouldEqual, EventError)
	test.That(t, event.Degraded, test.ShouldBeFalse)

	// The slot is back on an idle feed; a signal always flows.
	fallback := encoder.nextSpawn(t)
	test.That(t, fallback.live, test.ShouldBeFalse)
	test.That(t, supervisor.States()["slot1"], test.ShouldEqual, StateIdle)
}

func TestSupervisorIdleLaunchFailureRevives(t *testing.T) {
	logger := golog.NewTestLogger(t)
	encoder := newFakeEncoder()
	supervisor, err := NewSupervisor(context.Background(), testConfig(), encoder, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, supervisor.Shutdown(), test.ShouldBeNil)
	}()
	test.That(t, supervisor.Start(context.Background()), test.ShouldBeNil)
	idle1 := encoder.nextSpawn(t)
	encoder.nextSpawn(t)

	// The idle relaunch itself fails. The old process is already gone, so
	// without retries the slot would be dark with no signal at all.
	encoder.setFailIdle(errors.New("device busy"))
	err = supervisor.StartIdle(context.Background(), "slot1")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "device busy")
	test.That(t, idle1.proc.stopped, test.ShouldBeTrue)
	test.That(t, supervisor.States()["slot1"], test.ShouldEqual, StateErrored)

	event := nextEvent(t, supervisor.Events())
	test.That(t, event.SlotID, test.ShouldEqual, "slot1")
	test.That(t, event.Kind, test.ShouldEqual, EventError)
	test.That(t, event.Err.Error(), test.ShouldContainSubstring, "device busy")

	// Once the fault clears, the backoff loop brings the slot back up.
	encoder.setFailIdle(nil)
	revived := encoder.nextSpawn(t)
	test.That(t, revived.live, test.ShouldBeFalse)
	awaitRecovered(t, supervisor.Events())
	test.That(t, supervisor.States()["slot1"], test.ShouldEqual, StateIdle)
}

func TestSupervisorSwitchAndFallbackFailureRevives(t *testing.T) {
	logger := golog.NewTestLogger(t)
	encoder := newFakeEncoder()
	supervisor, err := NewSupervisor(context.Background(), testConfig(), encoder, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, supervisor.Shutdown(), test.ShouldBeNil)
	}()
	test.That(t, supervisor.Start(context.Background()), test.ShouldBeNil)
	encoder.nextSpawn(t)
	encoder.nextSpawn(t)

	// The live switch fails and then the idle fallback fails too.
	encoder.setFailLive(errors.New("no such input"))
	encoder.setFailIdle(errors.New("device busy"))
	err = supervisor.SwitchToCaller(context.Background(), "slot1", staticSource("caller.sdp"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, supervisor.States()["slot1"], test.ShouldEqual, StateErrored)

	event := nextEvent(t, supervisor.Events())
	test.That(t, event.Kind, test.ShouldEqual, EventError)
	test.That(t, event.Err.Error(), test.ShouldContainSubstring, "no such input")
	event = nextEvent(t, supervisor.Events())
	test.That(t, event.Kind, test.ShouldEqual, EventError)
	test.That(t, event.Err.Error(), test.ShouldContainSubstring, "device busy")

	encoder.setFailIdle(nil)
	revived := encoder.nextSpawn(t)
	test.That(t, revived.live, test.ShouldBeFalse)
	awaitRecovered(t, supervisor.Events())
	test.That(t, supervisor.States()["slot1"], test.ShouldEqual, StateIdle)
}

func TestSupervisorShutdownDuringRevive(t *testing.T) {
	logger := golog.NewTestLogger(t)
	encoder := newFakeEncoder()
	supervisor, err := NewSupervisor(context.Background(), testConfig(), encoder, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, supervisor.Start(context.Background()), test.ShouldBeNil)
	encoder.nextSpawn(t)
	idle2 := encoder.nextSpawn(t)

	// Keep slot1's revive loop failing on its tight backoff so Shutdown
	// lands while a revival is in flight.
	encoder.setFailIdle(errors.New("device busy"))
	err = supervisor.StartIdle(context.Background(), "slot1")
	test.That(t, err, test.ShouldNotBeNil)
	event := nextEvent(t, supervisor.Events())
	test.That(t, event.Kind, test.ShouldEqual, EventError)

	test.That(t, supervisor.Shutdown(), test.ShouldBeNil)
	test.That(t, supervisor.States(), test.ShouldResemble, map[string]SlotState{
		"slot1": StateStopped,
		"slot2": StateStopped,
	})
	test.That(t, idle2.proc.stopped, test.ShouldBeTrue)

	// Nothing may be spawned once shutdown has completed.
	select {
	case sp := <-encoder.spawns:
		t.Fatalf("process %q spawned after shutdown", sp.proc.id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSupervisorAutoHeal(t *testing.T) {
	logger := golog.NewTestLogger(t)
	encoder := newFakeEncoder()
	supervisor, err := NewSupervisor(context.Background(), testConfig(), encoder, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, supervisor.Shutdown(), test.ShouldBeNil)
	}()
	test.That(t, supervisor.Start(context.Background()), test.ShouldBeNil)
	idle1 := encoder.nextSpawn(t)
	encoder.nextSpawn(t)

	idle1.proc.die(errors.New("segfault"))

	event := nextEvent(t, supervisor.Events())
	test.That(t, event.SlotID, test.ShouldEqual, "slot1")
	test.That(t, event.Kind, test.ShouldEqual, EventError)
	test.That(t, event.Err.Error(), test.ShouldContainSubstring, "segfault")

	// After backoff the slot is revived on the idle feed.
	revived := encoder.nextSpawn(t)
	test.That(t, revived.live, test.ShouldBeFalse)
	event = nextEvent(t, supervisor.Events())
	test.That(t, event.Kind, test.ShouldEqual, EventRecovered)
	test.That(t, supervisor.States()["slot1"], test.ShouldEqual, StateIdle)
}

func TestSupervisorProcessExitWithNilError(t *testing.T) {
	logger := golog.NewTestLogger(t)
	encoder := newFakeEncoder()
	supervisor, err := NewSupervisor(context.Background(), testConfig(), encoder, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, supervisor.Shutdown(), test.ShouldBeNil)
	}()
	test.That(t, supervisor.Start(context.Background()), test.ShouldBeNil)
	idle1 := encoder.nextSpawn(t)
	encoder.nextSpawn(t)

	// A clean exit is still unexpected; feeds are supposed to run forever.
	idle1.proc.die(nil)
	event := nextEvent(t, supervisor.Events())
	test.That(t, event.Kind, test.ShouldEqual, EventError)
	test.That(t, event.Err.Error(), test.ShouldContainSubstring, "exited before expected")
	encoder.nextSpawn(t)
}

func TestSupervisorDegradedGuard(t *testing.T) {
	logger := golog.NewTestLogger(t)
	encoder := newFakeEncoder()
	cfg := testConfig()
	cfg.DegradedRestarts = 2
	cfg.DegradedWindow = time.Hour
	supervisor, err := NewSupervisor(context.Background(), cfg, encoder, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, supervisor.Shutdown(), test.ShouldBeNil)
	}()
	test.That(t, supervisor.Start(context.Background()), test.ShouldBeNil)
	current := encoder.nextSpawn(t)
	encoder.nextSpawn(t)

	// Two failures within the window are tolerated; the third flips the
	// slot to degraded.
	for i := 0; i < 2; i++ {
		current.proc.die(errors.New("boom"))
		event := nextEvent(t, supervisor.Events())
		test.That(t, event.Kind, test.ShouldEqual, EventError)
		test.That(t, event.Degraded, test.ShouldBeFalse)
		current = encoder.nextSpawn(t)
		event = nextEvent(t, supervisor.Events())
		test.That(t, event.Kind, test.ShouldEqual, EventRecovered)
	}

	current.proc.die(errors.New("boom"))
	event := nextEvent(t, supervisor.Events())
	test.That(t, event.Kind, test.ShouldEqual, EventError)
	test.That(t, event.Degraded, test.ShouldBeTrue)
	encoder.nextSpawn(t)
	event = nextEvent(t, supervisor.Events())
	test.That(t, event.Kind, test.ShouldEqual, EventRecovered)
	test.That(t, supervisor.States()["slot1"], test.ShouldEqual, StateDegraded)
}

func TestSupervisorWatchIdleSource(t *testing.T) {
	logger := golog.NewTestLogger(t)
	encoder := newFakeEncoder()
	supervisor, err := NewSupervisor(context.Background(), testConfig(), encoder, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, supervisor.Shutdown(), test.ShouldBeNil)
	}()
	test.That(t, supervisor.Start(context.Background()), test.ShouldBeNil)
	encoder.nextSpawn(t)
	encoder.nextSpawn(t)

	// A live slot must not be interrupted by an idle asset swap.
	test.That(t, supervisor.SwitchToCaller(context.Background(), "slot2", staticSource("caller.sdp")), test.ShouldBeNil)
	live := encoder.nextSpawn(t)
	test.That(t, live.live, test.ShouldBeTrue)

	tempFile := t.TempDir() + "/idle.mp4"
	f, err := os.Create(tempFile)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, supervisor.WatchIdleSource(tempFile), test.ShouldBeNil)

	_, err = f.WriteString("new idle asset")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Sync(), test.ShouldBeNil)
	test.That(t, f.Close(), test.ShouldBeNil)

	// Only the idle slot restarts.
	restarted := encoder.nextSpawn(t)
	test.That(t, restarted.live, test.ShouldBeFalse)
	test.That(t, restarted.proc.id, test.ShouldEqual, "slot1-idle")
	test.That(t, live.proc.stopped, test.ShouldBeFalse)
}
