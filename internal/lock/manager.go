// Package lock keeps a single daemon per state directory. The lock is an
// flock on a file that also records who holds it.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jvs-project/replvol/pkg/uuidutil"
)

// FileName is the lock file inside the state directory.
const FileName = "replvol.lock"

// ErrHeld is returned when another process holds the lock.
var ErrHeld = errors.New("state directory is locked by another process")

// Record describes the holder of the lock.
type Record struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	SessionID  string    `json:"session_id"`
	Purpose    string    `json:"purpose"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Manager acquires and releases the state directory lock.
type Manager struct {
	stateDir string

	mu   sync.Mutex
	file *os.File
	rec  *Record
}

// NewManager creates a lock manager for stateDir.
func NewManager(stateDir string) *Manager {
	return &Manager{stateDir: stateDir}
}

// Path returns the lock file path.
func (m *Manager) Path() string {
	return filepath.Join(m.stateDir, FileName)
}

// Acquire takes the lock without waiting. It fails with ErrHeld, wrapped
// with the current holder when that is readable, if the lock is taken.
func (m *Manager) Acquire(purpose string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		return nil, fmt.Errorf("lock already acquired by this manager")
	}

	if err := os.MkdirAll(m.stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	f, err := os.OpenFile(m.Path(), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if rec, rerr := Read(m.Path()); rerr == nil {
				return nil, fmt.Errorf("%w: pid %d on %s since %s", ErrHeld, rec.PID, rec.Host, rec.AcquiredAt.Format(time.RFC3339))
			}
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	host, _ := os.Hostname()
	rec := &Record{
		PID:        os.Getpid(),
		Host:       host,
		SessionID:  uuidutil.NewRequestID(),
		Purpose:    purpose,
		AcquiredAt: time.Now().UTC(),
	}
	if err := writeRecord(f, rec); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, err
	}

	m.file, m.rec = f, rec
	return rec, nil
}

// Held returns the record of the lock held by this manager, or nil.
func (m *Manager) Held() *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec
}

// Release drops the lock. Releasing a lock that is not held is a no-op.
func (m *Manager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	f := m.file
	m.file, m.rec = nil, nil

	// Clear the record first so readers never see a stale holder.
	if err := f.Truncate(0); err != nil {
		f.Close()
		return fmt.Errorf("truncate lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("unlock: %w", err)
	}
	return f.Close()
}

// Read returns the holder recorded in the lock file at path. An empty
// file means nobody holds the lock.
func Read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, os.ErrNotExist
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lock: %w", err)
	}
	return &rec, nil
}

func writeRecord(f *os.File, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	return f.Sync()
}
