// Package session stores results of a penetration test engagement. A
// session is a directory holding metadata.json, raw results, artifacts and
// a SQLite database with the discovered targets and findings.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"net/netip"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/CZERTAINLY/Penkit/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

const (
	metadataName = "metadata.json"
	resultsDir   = "results"
	artifactsDir = "artifacts"

	resultTimeFormat = "20060102_150405"
)

type Metadata struct {
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Values    map[string]any `json:"values,omitempty"`
}

// Session is an open engagement. It is safe for concurrent use.
type Session struct {
	name string
	dir  string
	root *os.Root
	db   *sql.DB
	now  func() time.Time

	mx   sync.Mutex
	meta Metadata
}

func open(ctx context.Context, dir, name string, now func() time.Time) (*Session, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening session %s: %w", name, err)
	}
	db, err := initDB(ctx, filepath.Join(dir, dbName))
	if err != nil {
		_ = root.Close()
		return nil, fmt.Errorf("opening session %s database: %w", name, err)
	}
	s := &Session{
		name: name,
		dir:  dir,
		root: root,
		db:   db,
		now:  now,
	}

	meta, err := readMetadata(root)
	switch {
	case err == nil:
		s.meta = meta
	case errors.Is(err, fs.ErrNotExist):
		t := now().UTC()
		s.meta = Metadata{Name: name, CreatedAt: t, UpdatedAt: t}
		err = s.saveMetadata()
	}
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("session %s metadata: %w", name, err)
	}
	return s, nil
}

func readMetadata(root *os.Root) (Metadata, error) {
	b, err := root.ReadFile(metadataName)
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return Metadata{}, fmt.Errorf("decoding %s: %w", metadataName, err)
	}
	return meta, nil
}

// saveMetadata must be called with s.mx locked or before s is shared
func (s *Session) saveMetadata() error {
	b, err := json.MarshalIndent(s.meta, "", "  ")
	if err != nil {
		return err
	}
	return s.root.WriteFile(metadataName, b, 0o644)
}

func (s *Session) Name() string { return s.name }

// Dir returns the session directory
func (s *Session) Dir() string { return s.dir }

func (s *Session) Metadata() Metadata {
	s.mx.Lock()
	defer s.mx.Unlock()
	ret := s.meta
	ret.Values = maps.Clone(s.meta.Values)
	return ret
}

// UpdateMetadata sets a value and the update time and saves the metadata
func (s *Session) UpdateMetadata(key string, value any) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.meta.Values == nil {
		s.meta.Values = make(map[string]any)
	}
	s.meta.Values[key] = value
	s.meta.UpdatedAt = s.now().UTC()
	return s.saveMetadata()
}

func (s *Session) touch() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.meta.UpdatedAt = s.now().UTC()
	if err := s.saveMetadata(); err != nil {
		slog.Warn("saving session metadata failed", "session", s.name, "error", err)
	}
}

// SaveResult writes result as indented JSON to
// results/<tool>_<YYYYmmdd_HHMMSS>.json and returns the path relative to the
// session directory. A numeric suffix is added when the name is taken.
func (s *Session) SaveResult(tool string, result any) (string, error) {
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding %s result: %w", tool, err)
	}
	if err := s.root.MkdirAll(resultsDir, 0o755); err != nil {
		return "", err
	}

	base := tool + "_" + s.now().UTC().Format(resultTimeFormat)
	for i := 1; ; i++ {
		name := base
		if i > 1 {
			name += "_" + strconv.Itoa(i)
		}
		p := path.Join(resultsDir, name+".json")
		f, err := s.root.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		_, err = f.Write(b)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return "", err
		}
		s.touch()
		return p, nil
	}
}

// SaveArtifact writes artifacts/<name>.<ext>, an existing artifact is
// replaced. Names escaping the artifacts directory are rejected.
func (s *Session) SaveArtifact(name, content, ext string) error {
	if err := s.root.MkdirAll(artifactsDir, 0o755); err != nil {
		return err
	}
	if err := s.root.WriteFile(artifactPath(name, ext), []byte(content), 0o644); err != nil {
		return fmt.Errorf("saving artifact %s: %w", name, err)
	}
	s.touch()
	return nil
}

// Artifact returns the content of an artifact, ErrNotFound if it does not
// exist
func (s *Session) Artifact(name, ext string) (string, error) {
	b, err := s.root.ReadFile(artifactPath(name, ext))
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func artifactPath(name, ext string) string {
	if ext == "" {
		ext = "txt"
	}
	return artifactsDir + "/" + name + "." + ext
}

func (s *Session) AddTarget(ctx context.Context, t Target) (Target, error) {
	var id int64
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		id, err = insertTarget(ctx, tx, t, s.now())
		return err
	})
	if err != nil {
		return Target{}, err
	}
	return queryTarget(ctx, s.db, id)
}

func (s *Session) Targets(ctx context.Context) ([]Target, error) {
	return queryTargets(ctx, s.db)
}

// Target returns a target by id or ErrNotFound
func (s *Session) Target(ctx context.Context, id int64) (Target, error) {
	return queryTarget(ctx, s.db, id)
}

func (s *Session) AddFinding(ctx context.Context, f Finding) (Finding, error) {
	var id int64
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		id, err = insertFinding(ctx, tx, f, s.now())
		return err
	})
	if err != nil {
		return Finding{}, err
	}
	findings, err := queryFindings(ctx, s.db, &f.TargetID)
	if err != nil {
		return Finding{}, err
	}
	for _, f := range findings {
		if f.ID == id {
			return f, nil
		}
	}
	return Finding{}, ErrNotFound
}

// Findings returns all findings, or findings of one target when targetID
// is not nil
func (s *Session) Findings(ctx context.Context, targetID *int64) ([]Finding, error) {
	return queryFindings(ctx, s.db, targetID)
}

// RecordStats counts rows changed by Record
type RecordStats struct {
	Targets  int `json:"targets"`
	Findings int `json:"findings"`
}

// Record imports a scan result. Hosts become targets keyed by their IP
// address. A vulnerability becomes a finding of each affected host, or of
// the scan target when it names no host. Recording the same result twice
// does not duplicate findings.
func (s *Session) Record(ctx context.Context, sr model.ScanResult) (RecordStats, error) {
	var stats RecordStats
	now := s.now()
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		stats = RecordStats{}
		byHost := make(map[string]int64, len(sr.Hosts))
		for _, h := range sr.Hosts {
			status := string(h.Status)
			id, err := upsertTarget(ctx, tx, Target{
				Name:        hostName(h),
				Description: h.Notes,
				IPAddress:   &h.IPAddress,
				Hostname:    h.Hostname,
				OS:          h.OSInfo,
				Status:      &status,
			}, now)
			if err != nil {
				return err
			}
			byHost[h.IPAddress] = id
			stats.Targets++
		}

		targetID := func(host string) (int64, error) {
			if id, ok := byHost[host]; ok {
				return id, nil
			}
			t := Target{Name: host}
			if _, err := netip.ParseAddr(host); err == nil {
				t.IPAddress = &host
			}
			id, err := upsertTarget(ctx, tx, t, now)
			if err != nil {
				return 0, err
			}
			byHost[host] = id
			stats.Targets++
			return id, nil
		}

		source := sr.ScanType
		for _, v := range sr.Vulnerabilities {
			hosts := v.AffectedHosts
			if len(hosts) == 0 {
				hosts = []string{sr.Target}
			}
			severity, status := string(v.Severity), string(v.Status)
			for _, host := range hosts {
				id, err := targetID(host)
				if err != nil {
					return err
				}
				inserted, err := upsertFinding(ctx, tx, Finding{
					TargetID:    id,
					Name:        v.Title,
					Description: model.Ptr(v.Description),
					Severity:    model.Ptr(severity),
					Status:      model.Ptr(status),
					Source:      model.Ptr(source),
				}, now)
				if err != nil {
					return err
				}
				if inserted {
					stats.Findings++
				}
			}
		}
		return nil
	})
	if err != nil {
		return RecordStats{}, fmt.Errorf("recording %s of %s: %w", sr.ScanType, sr.Target, err)
	}
	s.touch()
	return stats, nil
}

func hostName(h model.Host) string {
	if h.Hostname != nil && *h.Hostname != "" {
		return *h.Hostname
	}
	return h.IPAddress
}

// Save implements model.Sink. The result is saved as a JSON file and a
// model.ScanResult is also recorded to the database.
func (s *Session) Save(ctx context.Context, tool string, result any) error {
	p, err := s.SaveResult(tool, result)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "result saved", "session", s.name, "path", p)

	var sr *model.ScanResult
	switch r := result.(type) {
	case model.ScanResult:
		sr = &r
	case *model.ScanResult:
		sr = r
	}
	if sr == nil {
		return nil
	}
	stats, err := s.Record(ctx, *sr)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "result recorded", "session", s.name, "targets", stats.Targets, "findings", stats.Findings)
	return nil
}

func (s *Session) Close() error {
	return errors.Join(s.db.Close(), s.root.Close())
}
