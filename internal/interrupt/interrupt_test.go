package interrupt

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

type fakeSession struct{ abortRequested int32 }

func (f *fakeSession) SetAbortRequested(v bool) {
	if v {
		atomic.StoreInt32(&f.abortRequested, 1)
	}
}

type fakeJob struct{ aborted int32 }

func (f *fakeJob) Abort(ctx context.Context) error {
	atomic.StoreInt32(&f.aborted, 1)
	return nil
}

func TestFirstSignalRequestsAbortWithoutTerminating(t *testing.T) {
	sess := &fakeSession{}
	job := &fakeJob{}
	c := New(sess)
	var terminated int32
	c.terminate = func(sig os.Signal) { atomic.StoreInt32(&terminated, 1) }
	c.SetCurrentJob(job)

	c.handle(syscall.SIGINT)

	if atomic.LoadInt32(&sess.abortRequested) != 1 {
		t.Fatalf("expected SetAbortRequested(true) on first signal")
	}
	// Abort is dispatched asynchronously; give it a moment.
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&job.aborted) != 1 {
		t.Fatalf("expected current job's Abort to be called")
	}
	if atomic.LoadInt32(&terminated) != 0 {
		t.Fatalf("first signal must not force-terminate")
	}
}

func TestSecondSignalWithinWindowForceTerminates(t *testing.T) {
	sess := &fakeSession{}
	c := New(sess)
	var terminated int32
	c.terminate = func(sig os.Signal) { atomic.StoreInt32(&terminated, 1) }

	c.handle(syscall.SIGINT)
	c.handle(syscall.SIGINT)

	if atomic.LoadInt32(&terminated) != 1 {
		t.Fatalf("expected second signal within the window to force-terminate")
	}
}

func TestSecondSignalAfterWindowRequestsAbortAgain(t *testing.T) {
	sess := &fakeSession{}
	c := New(sess)
	var terminated int32
	c.terminate = func(sig os.Signal) { atomic.StoreInt32(&terminated, 1) }

	past := time.Now().Add(-3 * time.Second)
	c.firstInterruptAt = &past

	c.handle(syscall.SIGINT)

	if atomic.LoadInt32(&terminated) != 0 {
		t.Fatalf("a signal outside the 2s window must not force-terminate")
	}
	if atomic.LoadInt32(&sess.abortRequested) != 1 {
		t.Fatalf("expected a signal outside the 2s window to request abort again")
	}
}
