package lock

import (
	"path/filepath"
	"testing"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "pc-switcher.lock")

	l1 := New(path)
	ok, err := l1.Acquire("source:hostA:ses1")
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, ok=%v err=%v", ok, err)
	}

	l2 := New(path)
	ok2, err := l2.Acquire("source:hostB:ses2")
	if err != nil {
		t.Fatalf("unexpected error on contended acquire: %v", err)
	}
	if ok2 {
		t.Fatalf("expected contended acquire to fail")
	}

	holder, err := l2.Holder()
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if holder != "source:hostA:ses1" {
		t.Fatalf("expected holder diagnostic from l1, got %q", holder)
	}

	if err := l1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	ok3, err := l2.Acquire("source:hostB:ses2")
	if err != nil || !ok3 {
		t.Fatalf("expected acquire to succeed after release, ok=%v err=%v", ok3, err)
	}
	l2.Release()
}

func TestReleaseWithoutAcquireIsNoOp(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "never-acquired.lock"))
	if err := l.Release(); err != nil {
		t.Fatalf("expected no error releasing an unacquired lock, got %v", err)
	}
}

func TestHolderOfMissingFile(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "missing.lock"))
	holder, err := l.Holder()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if holder != "" {
		t.Fatalf("expected empty holder for missing file, got %q", holder)
	}
}
