// Package feed supervises the external encoder processes that keep every
// broadcast slot's outbound signal flowing, switching each slot between an
// idle loop and a live caller feed and healing it after failures.
package feed

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/liftover/callqueue"
)

// defaultStopTimeout is how long to wait (all stages) between first
// signaling a process and finally killing its group.
const defaultStopTimeout = 10 * time.Second

// A ProcessConfig describes how to run one encoder process.
type ProcessConfig struct {
	ID   string
	Name string
	Args []string
	CWD  string
	// OneShot processes are waited on inline by Start; used for things like
	// generating the idle asset.
	OneShot     bool
	Log         bool
	StopSignal  syscall.Signal
	StopTimeout time.Duration
}

// Validate ensures all parts of the config are usable.
func (config *ProcessConfig) Validate() error {
	if config.ID == "" {
		return errors.New("process config: id required")
	}
	if config.Name == "" {
		return errors.New("process config: name required")
	}
	if config.StopTimeout != 0 && config.StopTimeout < 100*time.Millisecond {
		return errors.New("process config: stop_timeout should not be less than 100ms")
	}
	return nil
}

// A Process is a handle to one running encoder process. Unlike a fully
// managed process, it does not restart itself; the slot supervisor observes
// Done and decides what to launch next.
type Process interface {
	// ID returns the unique id of the process.
	ID() string

	// Start starts the process. The given context is only used for one shot
	// processes.
	Start(ctx context.Context) error

	// Stop signals and waits for the process to stop. An error is returned
	// if there's any system level issue stopping the process.
	Stop() error

	// Done is closed once the process has exited for any reason.
	Done() <-chan struct{}

	// ExitErr returns the process's wait error. Only valid after Done.
	ExitErr() error
}

// NewProcess returns a new, unstarted process from the given configuration.
func NewProcess(config ProcessConfig, logger golog.Logger) Process {
	logger = logger.Named("process." + config.ID)
	if config.StopSignal == 0 {
		config.StopSignal = syscall.SIGTERM
	}
	if config.StopTimeout == 0 {
		config.StopTimeout = defaultStopTimeout
	}
	return &encoderProcess{
		id:               config.ID,
		name:             config.Name,
		args:             config.Args,
		cwd:              config.CWD,
		oneShot:          config.OneShot,
		shouldLog:        config.Log,
		doneCh:           make(chan struct{}),
		killCh:           make(chan struct{}),
		stopSig:          config.StopSignal,
		stopWaitInterval: config.StopTimeout / 3,
		logger:           logger,
	}
}

type encoderProcess struct {
	mu sync.Mutex

	id        string
	name      string
	args      []string
	cwd       string
	oneShot   bool
	shouldLog bool
	cmd       *exec.Cmd

	stopped          bool
	doneCh           chan struct{}
	killCh           chan struct{}
	stopSig          syscall.Signal
	stopWaitInterval time.Duration
	waitErr          error

	logger golog.Logger
}

func (p *encoderProcess) ID() string {
	return p.id
}

func (p *encoderProcess) Done() <-chan struct{} {
	return p.doneCh
}

func (p *encoderProcess) ExitErr() error {
	return p.waitErr
}

func (p *encoderProcess) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.killCh:
		return errors.New("already stopped")
	default:
	}

	if p.oneShot {
		// Block on the command finishing; the context bounds it.
		//nolint:gosec
		cmd := exec.CommandContext(ctx, p.name, p.args...)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.Dir = p.cwd
		out, err := cmd.CombinedOutput()
		if len(out) > 0 && p.shouldLog {
			p.logger.Debugw("process output", "name", p.name, "output", string(out))
		}
		defer close(p.doneCh)
		if err != nil {
			p.waitErr = err
			return errors.Wrapf(err, "error running process %q", p.name)
		}
		return nil
	}

	// Fully owned, so we control when to kill it and do not use the
	// CommandContext variant.
	//nolint:gosec
	cmd := exec.Command(p.name, p.args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Dir = p.cwd

	var stdErr io.ReadCloser
	if p.shouldLog {
		var err error
		stdErr, err = cmd.StderrPipe()
		if err != nil {
			return err
		}
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	p.cmd = cmd

	callqueue.ManagedGo(func() {
		p.watch(stdErr)
	}, nil)
	return nil
}

// watch waits for the process to exit and records the result. It does no
// restarting of its own; whoever owns the handle watches Done.
func (p *encoderProcess) watch(stdErr io.ReadCloser) {
	defer close(p.doneCh)

	var activeLoggers sync.WaitGroup
	if stdErr != nil {
		activeLoggers.Add(1)
		callqueue.PanicCapturingGo(func() {
			defer activeLoggers.Done()
			pipeR := bufio.NewReader(stdErr)
			for {
				line, _, err := pipeR.ReadLine()
				if err != nil {
					if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
						p.logger.Errorw("error reading output", "error", err)
					}
					return
				}
				p.logger.Debugw("output", "data", string(line))
			}
		})
	}

	err := p.cmd.Wait()
	activeLoggers.Wait()
	// Safe to write without the lock: only read after doneCh closes.
	p.waitErr = err
}

func (p *encoderProcess) Stop() error {
	// Minimally hold the lock so that a concurrent Start cannot race the
	// kill signal.
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	close(p.killCh)
	p.stopped = true

	if p.cmd == nil || p.cmd.Process == nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.logger.Debugf("stopping process %d with %s", p.cmd.Process.Pid, p.stopSig.String())
	if err := p.cmd.Process.Signal(p.stopSig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrap(err, "error interrupting process")
	}

	// In case the process didn't stop, or left orphan children in its
	// process group, signal the whole group after a brief wait.
	timer := time.NewTimer(p.stopWaitInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		p.logger.Debugf("stopping entire process group %d with %s", p.cmd.Process.Pid, p.stopSig.String())
		if err := syscall.Kill(-p.cmd.Process.Pid, p.stopSig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return errors.Wrap(err, "error interrupting process group")
		}
	case <-p.doneCh:
	}

	// Lastly, kill anything in the group that remains after a longer wait.
	timer2 := time.NewTimer(p.stopWaitInterval * 2)
	defer timer2.Stop()
	select {
	case <-timer2.C:
		p.logger.Debugf("killing entire process group %d", p.cmd.Process.Pid)
		if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return errors.Wrap(err, "error killing process group")
		}
	case <-p.doneCh:
	}
	<-p.doneCh
	return nil
}
