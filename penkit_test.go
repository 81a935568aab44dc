package penkit_test

import (
	"bytes"
	"context"
	"embed"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"

	"github.com/stretchr/testify/require"
)

var (
	//go:embed testing/*
	testingFS  embed.FS
	penkitPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

const fakeNmap = `#!/bin/sh
if [ "$1" = "--version" ]; then
	echo "Nmap version 7.94 ( https://nmap.org )"
	exit 0
fi
cat "$(dirname "$0")/nmap.xml"
`

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("penkit-ci") {
		slog.Error("cannot locate penkit-ci binary: run go build -race -cover -covermode=atomic -o penkit-ci ./cmd/penkit/ first")
		os.Exit(1)
	}

	var err error
	penkitPath, err = filepath.Abs("penkit-ci")
	if err != nil {
		slog.Error("can't get abspath for penkit-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for penkit-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for penkit-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func TestPenkit(t *testing.T) {
	dir := chDir(t)

	fixture(t, "testing/nmap.xml")
	creat(t, "nmap", []byte(fakeNmap))
	require.NoError(t, os.Chmod("nmap", 0o755))

	config := fmt.Sprintf(`
verbose: false
log:
    file: %[1]s/penkit.log
tools:
    nmap:
        path: %[1]s/nmap
sessions:
    path: %[1]s/sessions
`, dir)
	creat(t, "penkit.yaml", []byte(config))

	stdout := penkit(t, "--config", "penkit.yaml", "--session", "engagement",
		"nmap", "192.168.1.0/30", "--profile", "service", "--bom", "bom.json")
	require.Contains(t, stdout, "router.lan")

	f, err := os.Open("bom.json")
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	dec := cdx.NewBOMDecoder(f, cdx.BOMFileFormatJSON)
	bom := cdx.BOM{}
	require.NoError(t, dec.Decode(&bom))

	require.NotNil(t, bom.Components)
	names := make([]string, len(*bom.Components))
	for i, compo := range *bom.Components {
		names[i] = compo.Name
	}
	require.ElementsMatch(t, []string{"router.lan", "192.168.1.2", "192.168.1.3"}, names)
	require.NotNil(t, bom.Services)
	require.Len(t, *bom.Services, 3)

	stdout = penkit(t, "--config", "penkit.yaml", "sessions")
	require.Contains(t, stdout, "engagement")

	stdout = penkit(t, "--config", "penkit.yaml", "sessions", "show", "engagement")
	require.Contains(t, stdout, "router.lan")
	require.Contains(t, stdout, "192.168.1.2")

	matches, err := filepath.Glob(filepath.Join(dir, "sessions", "engagement", "results", "nmap_*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestPenkitInvalidConfig(t *testing.T) {
	_ = chDir(t)
	creat(t, "penkit.yaml", []byte("container:\n    runtime: lxc\n"))

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	cmd := exec.CommandContext(ctx, penkitPath, "--config", "penkit.yaml", "modules")
	cmd.Env = append(os.Environ(), "HOME="+tmpDir(t))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	require.Error(t, err)
	require.Contains(t, stderr.String(), "parsing config")
}

func penkit(t *testing.T, args ...string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, penkitPath, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err)
	}
	return stdout.String()
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func chDir(t *testing.T) string {
	t.Helper()
	tempdir := tmpDir(t)
	t.Chdir(tempdir)
	return tempdir
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}

func fixture(t *testing.T, inPath string) string {
	t.Helper()
	b, err := testingFS.ReadFile(inPath)
	require.NoError(t, err)
	path := filepath.Base(inPath)
	creat(t, path, b)
	return path
}
