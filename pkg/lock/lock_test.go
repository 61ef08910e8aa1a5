package lock

import (
	"context"
	"errors"
	"testing"

	"github.com/Eugeneai777/emotioncoach-sub003/pkg/core"
)

func TestProcessLockAcquireRelease(t *testing.T) {
	l := NewProcessLock()

	release, err := l.Acquire(context.Background(), "call-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l.Holder() != "call-a" {
		t.Errorf("Holder = %q, want call-a", l.Holder())
	}

	release()
	if l.Holder() != "" {
		t.Errorf("Holder after release = %q, want empty", l.Holder())
	}
}

func TestProcessLockConflict(t *testing.T) {
	l := NewProcessLock()

	release, err := l.Acquire(context.Background(), "call-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	_, err = l.Acquire(context.Background(), "call-b")
	if err == nil {
		t.Fatal("expected conflict error")
	}
	var typed *core.Error
	if !errors.As(err, &typed) || typed.Code != core.CodeConflict {
		t.Errorf("expected conflict code, got %v", err)
	}
}

func TestProcessLockReleaseIdempotent(t *testing.T) {
	l := NewProcessLock()

	releaseA, err := l.Acquire(context.Background(), "call-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	releaseA()
	releaseA() // second call is a no-op

	releaseB, err := l.Acquire(context.Background(), "call-b")
	if err != nil {
		t.Fatalf("Acquire after double release: %v", err)
	}
	// A stale release from the first owner must not free the new holder.
	releaseA()
	if l.Holder() != "call-b" {
		t.Errorf("Holder = %q, want call-b", l.Holder())
	}
	releaseB()
}

func TestProcessLockRejectsEmptyOwner(t *testing.T) {
	l := NewProcessLock()
	if _, err := l.Acquire(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty owner")
	}
}
