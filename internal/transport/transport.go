// Package transport owns the single SSH connection to the target machine
// (spec.md §4.2). Grounded on coreos-coreos-assembler/network/ssh.go for the
// manual ssh.ClientConfig/ssh.NewClientConn construction, and on the
// other_examples cronium ssh-executor's per-command session streaming and
// Signal(SIGTERM)->SIGKILL cancellation idiom. Constants (MaxSessions,
// keepalive interval/count) are ported from the original implementation's
// connection.py.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/flaksit/pc-switcher/internal/command"
	"github.com/flaksit/pc-switcher/internal/eventbus"
)

const (
	// DefaultMaxSessions bounds concurrent multiplexed SSH sessions to
	// avoid overloading the remote sshd (spec.md §4.2, connection.py
	// max_sessions=10).
	DefaultMaxSessions = 10

	// DefaultKeepaliveInterval and DefaultKeepaliveCountMax detect a
	// half-open TCP connection (connection.py keepalive_interval=15,
	// keepalive_count_max=3).
	DefaultKeepaliveInterval = 15 * time.Second
	DefaultKeepaliveCountMax = 3
)

// Config configures a Transport's connection to the target.
type Config struct {
	Host               string
	Port               int
	User               string
	Auth               []ssh.AuthMethod
	MaxSessions        int
	KeepaliveInterval  time.Duration
	KeepaliveCountMax  int
}

// Transport owns one SSH connection, multiplexing concurrent sessions
// behind a bounded semaphore. A detected disconnect during a job is fatal —
// Transport never reconnects (spec.md §4.2, §9 Non-goals).
type Transport struct {
	cfg    Config
	bus    *eventbus.Bus
	client *ssh.Client

	sem chan struct{}

	mu        sync.Mutex
	connected bool

	missedKeepalives int
	stopKeepalive    chan struct{}
}

// New returns an unconnected Transport. Call Connect before issuing commands.
func New(cfg Config, bus *eventbus.Bus) *Transport {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.KeepaliveCountMax <= 0 {
		cfg.KeepaliveCountMax = DefaultKeepaliveCountMax
	}
	return &Transport{
		cfg: cfg,
		bus: bus,
		sem: make(chan struct{}, cfg.MaxSessions),
	}
}

// Connect dials the target and publishes a Connection{connected} event on
// success.
func (t *Transport) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)

	sshCfg := &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            t.cfg.Auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // host keys are not verified: any key the target presents is accepted
		Timeout:         30 * time.Second,
	}

	dialer := net.Dialer{Timeout: sshCfg.Timeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		tcpConn.Close()
		return fmt.Errorf("transport: handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	t.mu.Lock()
	t.client = client
	t.connected = true
	t.stopKeepalive = make(chan struct{})
	t.mu.Unlock()

	go t.keepaliveLoop()

	t.bus.Publish(eventbus.NewConnection("connected", floatPtr(0)))
	return nil
}

// Disconnect closes the SSH connection and publishes a
// Connection{disconnected} event.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	client := t.client
	t.connected = false
	if t.stopKeepalive != nil {
		close(t.stopKeepalive)
		t.stopKeepalive = nil
	}
	t.client = nil
	t.mu.Unlock()

	if client == nil {
		return nil
	}
	err := client.Close()
	t.bus.Publish(eventbus.NewConnection("disconnected", nil))
	return err
}

// Connected reports whether Connect has succeeded and Disconnect has not
// yet been called (and no fatal drop has been observed).
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// acquire blocks until a session slot is free, bounding concurrent remote
// sessions to cfg.MaxSessions.
func (t *Transport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) release() {
	<-t.sem
}

// Run executes cmd on the target as a single SSH session and waits for
// completion, matching command.Executor's Run contract (non-zero exit is
// not an error).
func (t *Transport) Run(ctx context.Context, cmdline string, timeoutSeconds int64) (command.Result, error) {
	if err := t.acquire(ctx); err != nil {
		return command.Result{}, err
	}
	defer t.release()

	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return command.Result{}, fmt.Errorf("transport: not connected")
	}

	sess, err := client.NewSession()
	if err != nil {
		return command.Result{}, fmt.Errorf("%w: %v", command.ErrExecutorFailed, err)
	}
	defer sess.Close()

	var stdout, stderr bufWriter
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	runErr := runWithOptionalTimeout(ctx, timeoutSeconds, func(runCtx context.Context) error {
		done := make(chan error, 1)
		go func() { done <- sess.Run(cmdline) }()
		select {
		case err := <-done:
			return err
		case <-runCtx.Done():
			sess.Signal(ssh.SIGTERM)
			return runCtx.Err()
		}
	})

	if runErr != nil {
		if runErr == context.DeadlineExceeded {
			return command.Result{}, fmt.Errorf("%w: %s", command.ErrTimedOut, cmdline)
		}
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			return command.Result{
				ExitCode: exitErr.ExitStatus(),
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
			}, nil
		}
		return command.Result{}, fmt.Errorf("%w: %v", command.ErrExecutorFailed, runErr)
	}

	return command.Result{ExitCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// Stream executes cmd on the target, streaming combined stdout/stderr lines
// until it completes — grounded on the cronium ssh-executor's
// StdoutPipe/StderrPipe + sequence-counter streaming idiom.
func (t *Transport) Stream(ctx context.Context, cmdline string) (<-chan command.OutputLine, <-chan error, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, nil, err
	}

	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		t.release()
		return nil, nil, fmt.Errorf("transport: not connected")
	}

	sess, err := client.NewSession()
	if err != nil {
		t.release()
		return nil, nil, fmt.Errorf("%w: %v", command.ErrExecutorFailed, err)
	}

	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		t.release()
		return nil, nil, fmt.Errorf("%w: %v", command.ErrExecutorFailed, err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		t.release()
		return nil, nil, fmt.Errorf("%w: %v", command.ErrExecutorFailed, err)
	}

	if err := sess.Start(cmdline); err != nil {
		sess.Close()
		t.release()
		return nil, nil, fmt.Errorf("%w: %v", command.ErrExecutorFailed, err)
	}

	lines := make(chan command.OutputLine, 64)
	errc := make(chan error, 1)

	go func() {
		defer close(lines)
		defer close(errc)
		defer sess.Close()
		defer t.release()

		done := make(chan struct{}, 2)
		scan := func(r *bufio.Scanner, stream string) {
			for r.Scan() {
				lines <- command.OutputLine{Stream: stream, Text: r.Text()}
			}
			done <- struct{}{}
		}
		go scan(bufio.NewScanner(stdout), "stdout")
		go scan(bufio.NewScanner(stderr), "stderr")

		go func() {
			select {
			case <-ctx.Done():
				sess.Signal(ssh.SIGTERM)
				time.AfterFunc(5*time.Second, func() { sess.Signal(ssh.SIGKILL) })
			}
		}()

		<-done
		<-done
		err := sess.Wait()
		if _, ok := err.(*ssh.ExitError); ok && ctx.Err() == nil {
			err = nil
		}
		errc <- err
	}()

	return lines, errc, nil
}

// KillAllRemoteProcesses reaps stragglers matching pattern on the target,
// invoked by the orchestrator when a job abort deadline is exceeded
// (spec.md §4.8, §5). Grounded on connection.py's kill_all_remote_processes.
func (t *Transport) KillAllRemoteProcesses(ctx context.Context, pattern string) error {
	_, err := t.Run(ctx, fmt.Sprintf("pkill -f %q || true", pattern), 10)
	return err
}

// TerminateAll satisfies command.Executor; it delegates to
// KillAllRemoteProcesses with the tool's own process name.
func (t *Transport) TerminateAll(ctx context.Context) error {
	return t.KillAllRemoteProcesses(ctx, "pc-switcher")
}

func (t *Transport) Host() string { return t.cfg.Host }

// keepaliveLoop sends periodic keepalive requests and treats
// KeepaliveCountMax consecutive failures as a fatal disconnect, detecting
// half-open TCP per spec.md §4.2.
func (t *Transport) keepaliveLoop() {
	ticker := time.NewTicker(t.cfg.KeepaliveInterval)
	defer ticker.Stop()

	t.mu.Lock()
	stop := t.stopKeepalive
	t.mu.Unlock()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			client := t.client
			t.mu.Unlock()
			if client == nil {
				return
			}
			_, _, err := client.SendRequest("keepalive@pc-switcher", true, nil)
			if err != nil {
				t.missedKeepalives++
				if t.missedKeepalives >= t.cfg.KeepaliveCountMax {
					t.bus.Publish(eventbus.NewLog(eventbus.LevelCritical, "", "orchestrator",
						"SSH keepalive failed repeatedly, connection considered dead", nil))
					t.Disconnect()
					return
				}
				continue
			}
			t.missedKeepalives = 0
		}
	}
}

func floatPtr(f float64) *float64 { return &f }

// remoteLockScript is the shell sequence that acquires path's flock on fd 9
// and then blocks forever reading stdin, matching lock.RemoteAcquireScript's
// mkdir+exec+flock+write sequence but staying alive afterward instead of
// exiting (which would immediately release the lock).
func remoteLockScript(path, holder string) string {
	return fmt.Sprintf(
		`mkdir -p %q && exec 9>>%q && flock -n 9 || exit 3; truncate -s 0 %q && printf '%%s' %q >&9; cat >/dev/null`,
		filepath.Dir(path), path, path, holder,
	)
}

// AcquireRemoteLock attempts to acquire the flock at path on the target,
// returning ok=false (with no error) on contention — mirroring
// lock.Lock.Acquire's local contract. On success, the returned release
// func must be called exactly once to drop the lock (closing the session's
// stdin and waiting for the remote shell to exit).
func (t *Transport) AcquireRemoteLock(ctx context.Context, path, holder string) (release func() error, ok bool, err error) {
	if err := t.acquire(ctx); err != nil {
		return nil, false, err
	}

	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		t.release()
		return nil, false, fmt.Errorf("transport: not connected")
	}

	sess, err := client.NewSession()
	if err != nil {
		t.release()
		return nil, false, fmt.Errorf("%w: %v", command.ErrExecutorFailed, err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		t.release()
		return nil, false, fmt.Errorf("%w: %v", command.ErrExecutorFailed, err)
	}
	if err := sess.Start(remoteLockScript(path, holder)); err != nil {
		sess.Close()
		t.release()
		return nil, false, fmt.Errorf("%w: %v", command.ErrExecutorFailed, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		defer sess.Close()
		defer t.release()
		waitErr <- sess.Wait()
	}()

	// A contending flock exits almost immediately (exit 3); a successful
	// acquire blocks on `cat` indefinitely. A short grace period
	// distinguishes the two without an explicit protocol round-trip.
	select {
	case err := <-waitErr:
		return nil, false, nilIfExitStatus(err, 3)
	case <-time.After(500 * time.Millisecond):
		released := func() error {
			stdin.Close()
			return <-waitErr
		}
		return released, true, nil
	}
}

// nilIfExitStatus returns nil if err is an *ssh.ExitError with the given
// status (expected contention signal), otherwise passes err through.
func nilIfExitStatus(err error, status int) error {
	if exitErr, ok := err.(*ssh.ExitError); ok && exitErr.ExitStatus() == status {
		return nil
	}
	return err
}
