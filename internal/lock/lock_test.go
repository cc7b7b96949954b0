package lock

import (
	"errors"
	"os"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	tmpDir := t.TempDir()

	l, err := Acquire(tmpDir, "user-7")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	h, err := Read(tmpDir)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if h.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", h.PID, os.Getpid())
	}
	if h.Identity != "user-7" {
		t.Errorf("Identity = %q, want user-7", h.Identity)
	}
	if h.Since.IsZero() {
		t.Error("Since not recorded")
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if _, err := os.Stat(tmpDir + "/" + FileName); !os.IsNotExist(err) {
		t.Errorf("lock file still present after Release: %v", err)
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	tmpDir := t.TempDir()

	l1, err := Acquire(tmpDir, "user-7")
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(tmpDir, "user-7")
	if err == nil {
		t.Fatal("second Acquire() should fail")
	}

	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected HeldError, got %T: %v", err, err)
	}
	if held.Holder.PID != os.Getpid() || held.Holder.Identity != "user-7" {
		t.Errorf("holder = %+v, want this process as user-7", held.Holder)
	}
}

func TestSetIdentity(t *testing.T) {
	tmpDir := t.TempDir()

	l, err := Acquire(tmpDir, "")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Release() }()

	if err := l.SetIdentity("user-42"); err != nil {
		t.Fatalf("SetIdentity() error = %v", err)
	}
	h, err := Read(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if h.Identity != "user-42" {
		t.Errorf("Identity = %q, want user-42", h.Identity)
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	l, err := Acquire(t.TempDir(), "")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
	if err := l.SetIdentity("x"); err == nil {
		t.Error("SetIdentity() after Release should fail")
	}
}
