// ABOUTME: Primary-side substrate that starts workers by re-executing a binary with inherited pipes.
// ABOUTME: Emits fork/online/message/listening/disconnect/exit signals per worker in causal order.

package substrate

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
)

// Options configures how worker processes are started.
type Options struct {
	// Exec is the worker executable. Defaults to the current executable.
	Exec string
	// Args are passed to the worker. Nil means the current process arguments.
	Args []string
	// Env is appended to the current environment.
	Env []string
	// Silent discards worker stdout/stderr unless Stdout/Stderr are set.
	Silent bool
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// ExecSubstrate implements Substrate with os/exec.
type ExecSubstrate struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	nextID    int
	procs     map[int]*execProcess
	listeners map[int]Listener
	nextSub   int
}

// NewExec creates an ExecSubstrate, filling in defaults from the current process.
func NewExec(opts Options) *ExecSubstrate {
	if opts.Exec == "" {
		exe, err := os.Executable()
		if err != nil {
			exe = os.Args[0]
		}
		opts.Exec = exe
	}
	if opts.Args == nil {
		opts.Args = append([]string(nil), os.Args[1:]...)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &ExecSubstrate{
		opts:      opts,
		logger:    opts.Logger.With("component", "substrate"),
		procs:     make(map[int]*execProcess),
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers l for every subsequent signal.
func (s *ExecSubstrate) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSub++
	id := s.nextSub
	s.listeners[id] = l

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *ExecSubstrate) emit(fn func(l Listener)) {
	s.mu.Lock()
	ls := make([]Listener, 0, len(s.listeners))
	for id := 1; id <= s.nextSub; id++ {
		if l, ok := s.listeners[id]; ok {
			ls = append(ls, l)
		}
	}
	s.mu.Unlock()

	for _, l := range ls {
		fn(l)
	}
}

// Fork starts one worker process. The fork signal is emitted before Fork returns.
func (s *ExecSubstrate) Fork() (Process, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	toWorkerR, toWorkerW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating ipc pipe: %w", err)
	}
	fromWorkerR, fromWorkerW, err := os.Pipe()
	if err != nil {
		toWorkerR.Close()
		toWorkerW.Close()
		return nil, fmt.Errorf("creating ipc pipe: %w", err)
	}

	cmd := exec.Command(s.opts.Exec, s.opts.Args...)
	cmd.Env = append(os.Environ(), s.opts.Env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", EnvWorkerID, id))
	cmd.ExtraFiles = []*os.File{toWorkerR, fromWorkerW}
	cmd.Stdin = nil
	cmd.Stdout, cmd.Stderr = s.stdio()

	if err := cmd.Start(); err != nil {
		toWorkerR.Close()
		toWorkerW.Close()
		fromWorkerR.Close()
		fromWorkerW.Close()
		return nil, fmt.Errorf("starting worker process: %w", err)
	}

	// The child holds its own copies now.
	toWorkerR.Close()
	fromWorkerW.Close()

	p := &execProcess{
		id:           id,
		cmd:          cmd,
		sub:          s,
		w:            toWorkerW,
		r:            fromWorkerR,
		connected:    true,
		errListeners: make(map[int]func(error)),
		disconnected: make(chan struct{}),
	}

	s.mu.Lock()
	s.procs[id] = p
	s.mu.Unlock()

	s.logger.Debug("worker process started", "worker_id", id, "pid", cmd.Process.Pid)

	s.emit(func(l Listener) {
		if l.Fork != nil {
			l.Fork(p)
		}
	})

	go p.run()

	return p, nil
}

func (s *ExecSubstrate) stdio() (io.Writer, io.Writer) {
	stdout, stderr := s.opts.Stdout, s.opts.Stderr
	if s.opts.Silent {
		return stdout, stderr
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdout, stderr
}

// DisconnectAll disconnects every live worker and calls done from another
// goroutine once each has reported disconnect.
func (s *ExecSubstrate) DisconnectAll(done func()) {
	s.mu.Lock()
	procs := make([]*execProcess, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		if err := p.Disconnect(); err != nil {
			s.logger.Warn("disconnecting worker", "worker_id", p.id, "error", err)
		}
	}

	go func() {
		for _, p := range procs {
			<-p.disconnected
		}
		done()
	}()
}

func (s *ExecSubstrate) forget(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, id)
}

// execProcess is one started worker.
type execProcess struct {
	id  int
	cmd *exec.Cmd
	sub *ExecSubstrate
	r   *os.File

	mu        sync.Mutex
	w         *os.File
	connected bool

	exitedAfterDisconnect atomic.Bool

	errMu        sync.Mutex
	errListeners map[int]func(error)
	nextErr      int

	disconnected chan struct{}
}

func (p *execProcess) ID() int { return p.id }

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *execProcess) ExitedAfterDisconnect() bool { return p.exitedAfterDisconnect.Load() }

func (p *execProcess) Send(message any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return ErrChannelClosed
	}
	return writeFrame(p.w, frame{Kind: kindMessage, Payload: message})
}

// Disconnect closes the primary -> worker direction. The worker sees end of
// stream, closes its side, and the disconnect signal follows.
func (p *execProcess) Disconnect() error {
	p.exitedAfterDisconnect.Store(true)
	return p.closeWriter()
}

func (p *execProcess) closeWriter() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil
	}
	p.connected = false
	return p.w.Close()
}

func (p *execProcess) Kill() error {
	if err := p.Disconnect(); err != nil {
		p.fail(fmt.Errorf("disconnecting before kill: %w", err))
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		err = fmt.Errorf("signaling worker %d: %w", p.id, err)
		p.fail(err)
		return err
	}
	return nil
}

func (p *execProcess) OnError(fn func(error)) func() {
	p.errMu.Lock()
	defer p.errMu.Unlock()

	p.nextErr++
	id := p.nextErr
	p.errListeners[id] = fn

	return func() {
		p.errMu.Lock()
		defer p.errMu.Unlock()
		delete(p.errListeners, id)
	}
}

func (p *execProcess) fail(err error) {
	p.errMu.Lock()
	fns := make([]func(error), 0, len(p.errListeners))
	for _, fn := range p.errListeners {
		fns = append(fns, fn)
	}
	p.errMu.Unlock()

	if len(fns) == 0 {
		p.sub.logger.Warn("unobserved worker process error", "worker_id", p.id, "error", err)
		return
	}
	for _, fn := range fns {
		fn(err)
	}
}

// run reads frames until the worker closes its side, then waits for the
// process to exit. Disconnect is always emitted before exit.
func (p *execProcess) run() {
	reader := bufio.NewReader(p.r)
	for {
		f, err := readFrame(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.fail(fmt.Errorf("reading from worker %d: %w", p.id, err))
			}
			break
		}
		p.dispatch(f)
	}
	p.r.Close()

	if err := p.closeWriter(); err != nil {
		p.sub.logger.Debug("closing ipc writer", "worker_id", p.id, "error", err)
	}
	p.sub.emit(func(l Listener) {
		if l.Disconnect != nil {
			l.Disconnect(p)
		}
	})
	close(p.disconnected)

	waitErr := p.cmd.Wait()
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		p.fail(fmt.Errorf("waiting for worker %d: %w", p.id, waitErr))
	}
	code, signal := exitStatus(p.cmd.ProcessState)

	p.sub.forget(p.id)
	p.sub.emit(func(l Listener) {
		if l.Exit != nil {
			l.Exit(p, code, signal)
		}
	})
}

func (p *execProcess) dispatch(f frame) {
	switch f.Kind {
	case kindOnline:
		p.sub.emit(func(l Listener) {
			if l.Online != nil {
				l.Online(p)
			}
		})
	case kindMessage:
		p.sub.emit(func(l Listener) {
			if l.Message != nil {
				l.Message(p, f.Payload)
			}
		})
	case kindListening:
		addr := addressFromPayload(f.Payload)
		p.sub.emit(func(l Listener) {
			if l.Listening != nil {
				l.Listening(p, addr)
			}
		})
	case kindDisconnecting:
		p.exitedAfterDisconnect.Store(true)
	default:
		p.fail(fmt.Errorf("unknown frame kind %q from worker %d", f.Kind, p.id))
	}
}

// exitStatus returns the exit code (-1 when killed by a signal) and the signal name.
func exitStatus(state *os.ProcessState) (int, string) {
	if state == nil {
		return -1, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal().String()
	}
	return state.ExitCode(), ""
}
