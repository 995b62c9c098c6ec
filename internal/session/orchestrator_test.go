package session

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/flaksit/pc-switcher/internal/job/jobs" // registers dummy_success, dummy_fail, version_gate

	"github.com/flaksit/pc-switcher/internal/command"
	"github.com/flaksit/pc-switcher/internal/eventbus"
	"github.com/flaksit/pc-switcher/internal/lock"
)

// stubExecutor is a minimal command.Executor test double. It answers
// `pc-switcher --version` with its configured version (so version_gate
// decides noop when it matches the session's SourceVersion) and otherwise
// succeeds immediately, since no test job shells out for real work.
type stubExecutor struct {
	host    string
	version string
}

func (s *stubExecutor) Host() string { return s.host }

func (s *stubExecutor) Run(ctx context.Context, cmd string, timeout int64) (command.Result, error) {
	if strings.Contains(cmd, "--version") {
		return command.Result{ExitCode: 0, Stdout: s.version}, nil
	}
	return command.Result{ExitCode: 0}, nil
}

func (s *stubExecutor) Stream(ctx context.Context, cmd string) (<-chan command.OutputLine, <-chan error, error) {
	lines := make(chan command.OutputLine)
	errc := make(chan error, 1)
	close(lines)
	errc <- nil
	return lines, errc, nil
}

func (s *stubExecutor) TerminateAll(ctx context.Context) error { return nil }

func drain(sub *eventbus.Subscription) {
	go func() {
		for {
			if _, ok := sub.Next(); !ok {
				return
			}
		}
	}()
}

// collect drains sub in the background, returning a function that blocks
// until the bus closes and then yields every event observed, in order.
func collect(sub *eventbus.Subscription) func() []eventbus.Event {
	done := make(chan []eventbus.Event, 1)
	go func() {
		var events []eventbus.Event
		for {
			ev, ok := sub.Next()
			if !ok {
				done <- events
				return
			}
			events = append(events, ev)
		}
	}()
	return func() []eventbus.Event { return <-done }
}

func TestOrchestratorHappyPathReachesCompleted(t *testing.T) {
	dir := t.TempDir()
	sess := New("abcd1234", "src-host", "tgt-host", []string{"dummy_success"}, false)

	bus := eventbus.New()
	drain(bus.Subscribe())

	o := &Orchestrator{
		Session:        sess,
		Bus:            bus,
		SourceExecutor: &stubExecutor{host: "source"},
		TargetExecutor: &stubExecutor{host: "target", version: "1.0.0"},
		SourceLock:     lock.New(filepath.Join(dir, "pc-switcher.lock")),
		TargetLockPath: filepath.Join(dir, "remote.lock"),
		JobConfigs: map[string]map[string]any{
			"dummy_success": {"duration_seconds": 1},
		},
		SourceVersion: "1.0.0",
	}

	final := o.Run(context.Background())
	if final != StateCompleted {
		t.Fatalf("final state = %v, want COMPLETED", final)
	}
	if sess.JobResults["dummy_success"] != JobSuccess {
		t.Errorf("dummy_success result = %v, want SUCCESS", sess.JobResults["dummy_success"])
	}
}

func TestOrchestratorFailingJobReachesFailed(t *testing.T) {
	dir := t.TempDir()
	sess := New("ffff0000", "src-host", "tgt-host", []string{"dummy_fail"}, false)

	bus := eventbus.New()
	results := collect(bus.Subscribe())

	o := &Orchestrator{
		Session:        sess,
		Bus:            bus,
		SourceExecutor: &stubExecutor{host: "source"},
		TargetExecutor: &stubExecutor{host: "target", version: "1.0.0"},
		SourceLock:     lock.New(filepath.Join(dir, "pc-switcher.lock")),
		TargetLockPath: filepath.Join(dir, "remote.lock"),
		JobConfigs: map[string]map[string]any{
			"dummy_fail": {"duration_seconds": 1},
		},
		SourceVersion: "1.0.0",
	}

	final := o.Run(context.Background())
	if final != StateFailed {
		t.Fatalf("final state = %v, want FAILED", final)
	}
	if sess.JobResults["dummy_fail"] != JobFailed {
		t.Errorf("dummy_fail result = %v, want FAILED", sess.JobResults["dummy_fail"])
	}
	if !sess.HasErrors() {
		t.Errorf("expected has_errors to be set after dummy_fail")
	}

	var foundCritical bool
	for _, ev := range results() {
		if ev.Kind == eventbus.KindLog && ev.Level == eventbus.LevelCritical && strings.Contains(ev.Message, "60") {
			foundCritical = true
		}
	}
	if !foundCritical {
		t.Errorf("expected a CRITICAL log event mentioning \"60\", matching spec.md §8 scenario S2")
	}
}

func TestOrchestratorLockContentionFailsAtInitializing(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "pc-switcher.lock")

	holder := lock.New(lockPath)
	ok, err := holder.Acquire("source:other-host:deadbeef")
	if err != nil || !ok {
		t.Fatalf("setup: failed to pre-acquire lock: %v %v", ok, err)
	}
	defer holder.Release()

	sess := New("12345678", "src-host", "tgt-host", nil, false)
	bus := eventbus.New()
	drain(bus.Subscribe())

	o := &Orchestrator{
		Session:        sess,
		Bus:            bus,
		SourceExecutor: &stubExecutor{host: "source"},
		TargetExecutor: &stubExecutor{host: "target", version: "1.0.0"},
		SourceLock:     lock.New(lockPath),
		TargetLockPath: filepath.Join(dir, "remote.lock"),
		SourceVersion:  "1.0.0",
	}

	final := o.Run(context.Background())
	if final != StateFailed {
		t.Fatalf("final state = %v, want FAILED on lock contention", final)
	}
}
