package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// FileName is the lock file created inside a profile directory.
const FileName = "LOCK"

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID      int
	Identity string
	Since    time.Time
}

// HeldError is returned when another daemon already owns the profile.
type HeldError struct {
	Holder Holder
	Path   string
}

func (e *HeldError) Error() string {
	if e.Holder.Identity != "" {
		return fmt.Sprintf("profile lock held by PID %d for %s (%s)", e.Holder.PID, e.Holder.Identity, e.Path)
	}
	return fmt.Sprintf("profile lock held by PID %d (%s)", e.Holder.PID, e.Path)
}

// Lock is an acquired exclusive profile lock. At most one real-time session
// runs per profile while it is held.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking flock on dir/LOCK and records the
// current PID and identity. Returns *HeldError if another process holds it.
func Acquire(dir, identity string) (*Lock, error) {
	lockPath := filepath.Join(dir, FileName)

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder, _ := Read(dir)
		_ = f.Close()
		return nil, &HeldError{Holder: holder, Path: lockPath}
	}

	l := &Lock{file: f, path: lockPath}
	if err := l.write(Holder{PID: os.Getpid(), Identity: identity, Since: time.Now().UTC()}); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// SetIdentity rewrites the recorded identity, e.g. once the server has
// authenticated the session.
func (l *Lock) SetIdentity(identity string) error {
	if l == nil || l.file == nil {
		return fmt.Errorf("lock released")
	}
	return l.write(Holder{PID: os.Getpid(), Identity: identity, Since: time.Now().UTC()})
}

func (l *Lock) write(h Holder) error {
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return err
	}
	content := fmt.Sprintf("pid=%d\nidentity=%s\ntime=%s\n", h.PID, h.Identity, h.Since.Format(time.RFC3339))
	_, err := l.file.WriteString(content)
	return err
}

// Release drops the lock. Safe to call on a nil receiver or more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// Read parses the lock file in dir without taking the lock.
func Read(dir string) (Holder, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return Holder{}, err
	}
	var h Holder
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "identity":
			h.Identity = value
		case "time":
			h.Since, _ = time.Parse(time.RFC3339, value)
		}
	}
	return h, nil
}
