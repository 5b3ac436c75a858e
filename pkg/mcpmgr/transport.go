package mcpmgr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Transport moves framed JSON-RPC messages to and from one tool server.
type Transport interface {
	// Send writes one complete message.
	Send(ctx context.Context, frame []byte) error
	// Receive blocks until the next complete message arrives.
	Receive(ctx context.Context) ([]byte, error)
	// Done is closed once no further messages can be received.
	Done() <-chan struct{}
	// Err reports why the stream ended. Valid after Done is closed.
	Err() error
	// Close releases the stream. It is idempotent.
	Close(ctx context.Context) error
}

var (
	errTransportClosed = errors.New("transport closed")
	// errStreamBroken means a frame was cut off mid-write; nothing more can
	// be sent on the stream.
	errStreamBroken = errors.New("frame partially written")
)

// deadlineWriter is implemented by *os.File for pipes.
type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// streamTransport frames messages over an arbitrary reader/writer pair.
type streamTransport struct {
	framing Framing

	// writeSem serializes writers. A channel so waiting honours ctx.
	writeSem  chan struct{}
	w         io.WriteCloser
	deadlines bool
	broken    bool // guarded by writeSem
	closeW    func()

	r io.ReadCloser

	recvCh   chan []byte
	stop     chan struct{}
	done     chan struct{}
	closedCh chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func newStreamTransport(r io.ReadCloser, w io.WriteCloser, framing Framing, maxFrameBytes int) *streamTransport {
	if framing == "" {
		framing = FramingNewline
	}
	t := &streamTransport{
		framing:  framing,
		writeSem: make(chan struct{}, 1),
		w:        w,
		closeW:   sync.OnceFunc(func() { _ = w.Close() }),
		r:        r,
		recvCh:   make(chan []byte),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		closedCh: make(chan struct{}),
	}
	if dw, ok := w.(deadlineWriter); ok {
		t.deadlines = dw.SetWriteDeadline(time.Time{}) == nil
	}
	go t.readLoop(newFrameReader(r, framing, maxFrameBytes))
	return t
}

func (t *streamTransport) readLoop(fr frameReader) {
	defer close(t.done)
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			t.setErr(err)
			return
		}
		select {
		case t.recvCh <- frame:
		case <-t.stop:
			t.setErr(errTransportClosed)
			return
		}
	}
}

func (t *streamTransport) setErr(err error) {
	t.mu.Lock()
	if t.err == nil {
		if t.closed && !errors.Is(err, errFrameTooLarge) {
			err = errTransportClosed
		}
		t.err = err
	}
	t.mu.Unlock()
}

// Send writes one framed message. It gives up when ctx is done, including
// while blocked on a peer that stopped reading. A frame cut off that way
// leaves the stream unusable and later sends fail with errStreamBroken.
func (t *streamTransport) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case t.writeSem <- struct{}{}:
	case <-t.closedCh:
		return fmt.Errorf("%w: %w", ErrWrite, errTransportClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-t.writeSem }()

	select {
	case <-t.closedCh:
		return fmt.Errorf("%w: %w", ErrWrite, errTransportClosed)
	default:
	}
	if t.broken {
		return fmt.Errorf("%w: %w", ErrWrite, errStreamBroken)
	}

	buf := encodeFrame(t.framing, frame)
	n, err := t.write(ctx, buf)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	if n > 0 && n < len(buf) {
		t.broken = true
		t.closeW()
	}
	if t.broken {
		err = fmt.Errorf("%w: %w", errStreamBroken, err)
	}
	return fmt.Errorf("%w: %w", ErrWrite, err)
}

// write must be called with writeSem held.
func (t *streamTransport) write(ctx context.Context, buf []byte) (int, error) {
	if t.deadlines {
		dw := t.w.(deadlineWriter)
		fired := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			_ = dw.SetWriteDeadline(time.Now())
			close(fired)
		})
		n, err := t.w.Write(buf)
		if !stop() {
			<-fired
			_ = dw.SetWriteDeadline(time.Time{})
		}
		return n, err
	}

	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.w.Write(buf)
		ch <- result{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-ctx.Done():
		// No way to interrupt the write other than closing the stream.
		t.broken = true
		t.closeW()
		return 0, ctx.Err()
	}
}

// Receive returns the next frame, or the stream error once the stream ended.
func (t *streamTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.recvCh:
		return frame, nil
	case <-t.done:
		return nil, t.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *streamTransport) Done() <-chan struct{} { return t.done }

func (t *streamTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close stops the reader and closes both halves of the stream.
func (t *streamTransport) Close(context.Context) error {
	if t.markClosed() {
		t.teardown()
	}
	return nil
}

// markClosed rejects further sends. It reports false if already closed.
func (t *streamTransport) markClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true
	close(t.closedCh)
	return true
}

// teardown closes the writer without waiting for an in-flight Send; closing
// the file unblocks it.
func (t *streamTransport) teardown() {
	close(t.stop)
	t.closeW()
	_ = t.r.Close()
	<-t.done
}

// StdioTransportConfig configures a subprocess transport.
type StdioTransportConfig struct {
	Command       string
	Args          []string
	Env           map[string]string
	Dir           string
	Framing       Framing
	KillGrace     time.Duration
	MaxFrameBytes int
	// Logger receives the child's stderr lines at debug level.
	Logger *slog.Logger
}

// StdioTransport runs a tool server as a child process and frames messages
// over its stdin and stdout.
type StdioTransport struct {
	*streamTransport

	cmd       *exec.Cmd
	logger    *slog.Logger
	killGrace time.Duration

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

// NewStdioTransport spawns the configured command. The child is not bound to
// ctx; it lives until Close is called or it exits on its own.
func NewStdioTransport(ctx context.Context, cfg StdioTransportConfig) (*StdioTransport, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, newError("spawn", "", "", ErrSpawn, errors.New("command is required"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	killGrace := cfg.KillGrace
	if killGrace <= 0 {
		killGrace = defaultKillGrace
	}
	maxFrame := cfg.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = defaultMaxFrameBytes
	}

	// #nosec G204 -- command/args come from trusted server configuration.
	cmd := exec.Command(cfg.Command, slices.Clone(cfg.Args)...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), flattenEnv(cfg.Env)...)
	}
	cmd.Dir = cfg.Dir

	// Plain os.Pipe pairs instead of cmd.StdoutPipe so cmd.Wait can reap the
	// child while we are still draining buffered output.
	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}
	pipe := func() (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, err
		}
		opened = append(opened, r, w)
		return r, w, nil
	}
	stdinR, stdinW, err := pipe()
	if err != nil {
		return nil, newError("spawn", "", "", ErrSpawn, fmt.Errorf("stdin pipe: %w", err))
	}
	stdoutR, stdoutW, err := pipe()
	if err != nil {
		closeAll()
		return nil, newError("spawn", "", "", ErrSpawn, fmt.Errorf("stdout pipe: %w", err))
	}
	stderrR, stderrW, err := pipe()
	if err != nil {
		closeAll()
		return nil, newError("spawn", "", "", ErrSpawn, fmt.Errorf("stderr pipe: %w", err))
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, newError("spawn", "", "", ErrSpawn, fmt.Errorf("%s: %w", cfg.Command, err))
	}
	// The child holds its own copies now.
	_ = stdinR.Close()
	_ = stdoutW.Close()
	_ = stderrW.Close()

	t := &StdioTransport{
		streamTransport: newStreamTransport(stdoutR, stdinW, cfg.Framing, maxFrame),
		cmd:             cmd,
		logger:          logger.With("pid", cmd.Process.Pid),
		killGrace:       killGrace,
		exited:          make(chan struct{}),
	}
	go t.drainStderr(stderrR)
	go t.reap()
	return t, nil
}

// Pid returns the child's process id.
func (t *StdioTransport) Pid() int {
	return t.cmd.Process.Pid
}

// Exited is closed once the child has been reaped.
func (t *StdioTransport) Exited() <-chan struct{} { return t.exited }

func (t *StdioTransport) drainStderr(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		t.logger.Debug("tool server stderr", "line", scanner.Text())
	}
	// Keep the pipe drained so an overlong line cannot stall the child.
	_, _ = io.Copy(io.Discard, r)
}

func (t *StdioTransport) reap() {
	err := t.cmd.Wait()
	t.waitErr = err
	close(t.exited)
	t.logger.Debug("tool server exited", "error", err)

	// A grandchild may keep stdout open after the child is gone; stop waiting
	// for EOF after the grace period.
	timer := time.NewTimer(t.killGrace)
	defer timer.Stop()
	select {
	case <-t.streamTransport.done:
	case <-timer.C:
		_ = t.streamTransport.r.Close()
	}
}

// Err reports the exit status when the child has exited, otherwise the
// stream error.
func (t *StdioTransport) Err() error {
	select {
	case <-t.exited:
		if t.waitErr != nil {
			return fmt.Errorf("process exited: %w", t.waitErr)
		}
		return errors.New("process exited")
	default:
		return t.streamTransport.Err()
	}
}

// Close asks the child to terminate, closes its stdin, kills it if it has not
// exited after the grace period, and reaps it. It is idempotent.
func (t *StdioTransport) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		t.closeErr = t.shutdown(ctx)
	})
	return t.closeErr
}

func (t *StdioTransport) shutdown(ctx context.Context) error {
	t.streamTransport.markClosed()

	// Signal first: a child that stopped reading may have a Send blocked on
	// stdin, and closing stdin below is what releases it.
	select {
	case <-t.exited:
	default:
		if err := t.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			_ = t.cmd.Process.Kill()
		}
	}
	t.closeW()

	timer := time.NewTimer(t.killGrace)
	defer timer.Stop()
	var err error
	select {
	case <-t.exited:
	case <-timer.C:
		t.logger.Warn("tool server ignored SIGTERM; killing", "grace", t.killGrace)
		_ = t.cmd.Process.Kill()
		<-t.exited
	case <-ctx.Done():
		_ = t.cmd.Process.Kill()
		<-t.exited
		err = ctx.Err()
	}

	t.streamTransport.teardown()
	return err
}
