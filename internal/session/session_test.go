package session_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/Penkit/internal/model"
	"github.com/CZERTAINLY/Penkit/internal/session"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func newManager(t *testing.T) *session.Manager {
	t.Helper()
	m, err := session.NewManager(filepath.Join(t.TempDir(), "sessions"), session.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return m
}

func newSession(t *testing.T) *session.Session {
	t.Helper()
	s, err := newManager(t).Create(t.Context(), "acme")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestManager(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	ctx := t.Context()

	s, err := m.Create(ctx, "acme")
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(m.Dir(), "acme", "metadata.json"))
	require.FileExists(t, filepath.Join(m.Dir(), "acme", "session.db"))
	require.NoError(t, s.UpdateMetadata("scope", "10.0.0.0/24"))
	require.NoError(t, s.Close())

	_, err = m.Create(ctx, "acme")
	require.ErrorIs(t, err, session.ErrExists)

	_, err = m.Open(ctx, "nope")
	require.ErrorIs(t, err, session.ErrNotFound)

	s, err = m.OpenOrCreate(ctx, "beta")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// a directory without metadata is not a session
	require.NoError(t, os.Mkdir(filepath.Join(m.Dir(), "junk"), 0o755))

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "acme", list[0].Name)
	require.Equal(t, "10.0.0.0/24", list[0].Values["scope"])
	require.Equal(t, now, list[0].CreatedAt)
	require.Equal(t, "beta", list[1].Name)

	s, err = m.Open(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.0/24", s.Metadata().Values["scope"])
	require.NoError(t, s.Close())

	require.NoError(t, m.Delete(ctx, "acme"))
	require.ErrorIs(t, m.Delete(ctx, "acme"), session.ErrNotFound)
	require.NoDirExists(t, filepath.Join(m.Dir(), "acme"))
}

func TestManagerInvalidName(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	for _, name := range []string{"", ".", "..", "../x", "a/b", `a\b`} {
		_, err := m.Create(t.Context(), name)
		require.Error(t, err, name)
	}
}

func TestSaveResult(t *testing.T) {
	t.Parallel()
	s := newSession(t)

	p1, err := s.SaveResult("nmap", map[string]any{"hosts": 1})
	require.NoError(t, err)
	require.Equal(t, "results/nmap_20260314_150926.json", p1)

	p2, err := s.SaveResult("nmap", map[string]any{"hosts": 2})
	require.NoError(t, err)
	require.Equal(t, "results/nmap_20260314_150926_2.json", p2)

	b, err := os.ReadFile(filepath.Join(s.Dir(), p2))
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, map[string]any{"hosts": float64(2)}, got)

	_, err = s.SaveResult("nmap", func() {})
	require.Error(t, err)
}

func TestArtifacts(t *testing.T) {
	t.Parallel()
	s := newSession(t)

	require.NoError(t, s.SaveArtifact("notes", "admin panel on 8080", ""))
	got, err := s.Artifact("notes", "txt")
	require.NoError(t, err)
	require.Equal(t, "admin panel on 8080", got)

	require.NoError(t, s.SaveArtifact("notes", "replaced", "txt"))
	got, err = s.Artifact("notes", "")
	require.NoError(t, err)
	require.Equal(t, "replaced", got)

	_, err = s.Artifact("missing", "md")
	require.ErrorIs(t, err, session.ErrNotFound)

	require.Error(t, s.SaveArtifact("../../escape", "x", "txt"))
}

func TestTargetsAndFindings(t *testing.T) {
	t.Parallel()
	s := newSession(t)
	ctx := t.Context()

	target, err := s.AddTarget(ctx, session.Target{Name: "web", IPAddress: model.Ptr("10.0.0.5")})
	require.NoError(t, err)
	require.Equal(t, "web", target.Name)
	require.Equal(t, now, target.CreatedAt)

	finding, err := s.AddFinding(ctx, session.Finding{
		TargetID: target.ID,
		Name:     "Default credentials",
		Severity: model.Ptr("critical"),
	})
	require.NoError(t, err)
	require.Equal(t, target.ID, finding.TargetID)
	require.Nil(t, finding.Description)

	_, err = s.AddFinding(ctx, session.Finding{TargetID: target.ID + 100, Name: "orphan"})
	require.Error(t, err)

	_, err = s.Target(ctx, target.ID+100)
	require.ErrorIs(t, err, session.ErrNotFound)

	all, err := s.Findings(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestRecord(t *testing.T) {
	t.Parallel()
	s := newSession(t)
	ctx := t.Context()

	sqli, err := model.NewVulnerability("SQL Injection (error-based)", "SQL Injection vulnerability found in http://10.0.0.2/?id=1",
		model.SeverityHigh, model.WithAffected("http://10.0.0.2/?id=1"))
	require.NoError(t, err)
	weak, err := model.NewVulnerability("Weak SSH ciphers", "", model.SeverityMedium, model.WithAffected("10.0.0.1", 22))
	require.NoError(t, err)
	general, err := model.NewVulnerability("Missing segmentation", "", model.SeverityLow)
	require.NoError(t, err)

	sr := model.ScanResult{
		ScanType: "port_scan",
		Target:   "10.0.0.0/30",
		Hosts: []model.Host{
			{IPAddress: "10.0.0.1", Hostname: model.Ptr("gw.lan"), Status: model.HostUp, Notes: model.Ptr("jump host")},
			{IPAddress: "10.0.0.2", Status: model.HostUp},
		},
		Vulnerabilities: []model.Vulnerability{sqli, weak, general},
	}

	stats, err := s.Record(ctx, sr)
	require.NoError(t, err)
	require.Equal(t, session.RecordStats{Targets: 4, Findings: 3}, stats)

	targets, err := s.Targets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 4)
	require.Equal(t, "gw.lan", targets[0].Name)
	require.Equal(t, "10.0.0.1", *targets[0].IPAddress)
	require.Equal(t, "up", *targets[0].Status)
	require.Equal(t, "jump host", model.Deref(targets[0].Description))
	require.Equal(t, "10.0.0.2", targets[1].Name)
	require.Nil(t, targets[1].Description)
	require.Equal(t, "http://10.0.0.2/?id=1", targets[2].Name)
	require.Nil(t, targets[2].IPAddress)
	require.Equal(t, "10.0.0.0/30", targets[3].Name)

	findings, err := s.Findings(ctx, &targets[0].ID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, "Weak SSH ciphers", findings[0].Name)
	require.Equal(t, "medium", *findings[0].Severity)
	require.Equal(t, "open", *findings[0].Status)
	require.Equal(t, "port_scan", *findings[0].Source)

	// recording again updates targets but adds no findings, known notes stay
	sr.Hosts[0].Notes = nil
	stats, err = s.Record(ctx, sr)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Findings)
	targets, err = s.Targets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 4)
	require.Equal(t, "jump host", model.Deref(targets[0].Description))
}

func TestSink(t *testing.T) {
	t.Parallel()
	s := newSession(t)
	ctx := t.Context()
	var sink model.Sink = s

	sr := model.ScanResult{
		ScanType: "port_scan",
		Target:   "10.0.0.1",
		Hosts:    []model.Host{{IPAddress: "10.0.0.1", Status: model.HostUp}},
	}
	require.NoError(t, sink.Save(ctx, "nmap", sr))
	require.NoError(t, sink.Save(ctx, "raw", map[string]string{"k": "v"}))

	require.FileExists(t, filepath.Join(s.Dir(), "results", "nmap_20260314_150926.json"))
	require.FileExists(t, filepath.Join(s.Dir(), "results", "raw_20260314_150926.json"))

	targets, err := s.Targets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 1)
}
