package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Manager creates and opens sessions stored under one directory
type Manager struct {
	dir string
	now func() time.Time
}

type ManagerOption func(*Manager)

// WithClock replaces time.Now, used for session and result timestamps
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates dir if it does not exist
func NewManager(dir string, opts ...ManagerOption) (*Manager, error) {
	if dir == "" {
		return nil, errors.New("sessions directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sessions directory: %w", err)
	}
	m := &Manager{
		dir: dir,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) Dir() string { return m.dir }

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || !filepath.IsLocal(name) {
		return fmt.Errorf("invalid session name %q", name)
	}
	return nil
}

// Create creates a new session, ErrExists is returned if it exists
func (m *Manager) Create(ctx context.Context, name string) (*Session, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(m.dir, name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("session %s: %w", name, ErrExists)
		}
		return nil, err
	}
	slog.DebugContext(ctx, "session created", "session", name, "dir", dir)
	return open(ctx, dir, name, m.now)
}

// Open opens an existing session, ErrNotFound is returned if it does not
// exist
func (m *Manager) Open(ctx context.Context, name string) (*Session, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(m.dir, name)
	fi, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("session %s: %w", name, ErrNotFound)
	case err != nil:
		return nil, err
	case !fi.IsDir():
		return nil, fmt.Errorf("session %s: %w", name, ErrNotFound)
	}
	return open(ctx, dir, name, m.now)
}

func (m *Manager) OpenOrCreate(ctx context.Context, name string) (*Session, error) {
	s, err := m.Open(ctx, name)
	if errors.Is(err, ErrNotFound) {
		s, err = m.Create(ctx, name)
		if errors.Is(err, ErrExists) {
			return m.Open(ctx, name)
		}
	}
	return s, err
}

// List returns metadata of all sessions sorted by name. Directories without
// a valid metadata.json are skipped.
func (m *Manager) List(ctx context.Context) ([]Metadata, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var ret []Metadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		root, err := os.OpenRoot(filepath.Join(m.dir, e.Name()))
		if err != nil {
			slog.DebugContext(ctx, "skipping session", "dir", e.Name(), "error", err)
			continue
		}
		meta, err := readMetadata(root)
		_ = root.Close()
		if err != nil {
			slog.DebugContext(ctx, "skipping session", "dir", e.Name(), "error", err)
			continue
		}
		ret = append(ret, meta)
	}
	slices.SortFunc(ret, func(a, b Metadata) int { return strings.Compare(a.Name, b.Name) })
	return ret, nil
}

// Delete removes a session with all its data. The session must not be
// open.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	dir := filepath.Join(m.dir, name)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("session %s: %w", name, ErrNotFound)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("deleting session %s: %w", name, err)
	}
	slog.DebugContext(ctx, "session deleted", "session", name)
	return nil
}
