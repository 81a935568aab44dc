package integration_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Penkit/internal/integration"
	"github.com/CZERTAINLY/Penkit/internal/model"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

const fakeName = "penkit-fake-tool"

var fakeTool = integration.Tool{
	Name:             fakeName,
	VersionArgs:      []string{"--version"},
	VersionPattern:   regexp.MustCompile(`fake version ([0-9.]+)`),
	DefaultArgs:      []string{"--batch"},
	ContainerImage:   "example/fake:latest",
	ContainerOptions: []string{"--net=host"},
}

// lines parses the output into non-empty lines and fails on "bad"
var lines = integration.ParserFunc[[]string](func(_ context.Context, stdout, _ string) ([]string, error) {
	if strings.Contains(stdout, "bad") {
		return nil, errors.New("bad output")
	}
	return strings.Fields(stdout), nil
})

// fakeScript writes an executable shell script which prints a version
// for --version and runs body otherwise
func fakeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("skipped, /bin/sh not available")
	}
	path := filepath.Join(t.TempDir(), fakeName)
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = \"--version\" ]; then echo 'fake version 1.2.3'; exit 0; fi\n" +
		body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newIntegration(t *testing.T, body string) (*integration.Integration[[]string], string) {
	t.Helper()
	path := fakeScript(t, body)
	v := viper.New()
	v.Set("tools."+fakeName+".path", path)
	return integration.New(t.Context(), fakeTool, v, lines), path
}

func TestResolveConfiguredPath(t *testing.T) {
	t.Parallel()
	i, path := newIntegration(t, "echo ok")
	require.Equal(t, path, i.BinaryPath())
	require.Equal(t, "1.2.3", i.Version())
	require.False(t, i.UseContainer())
	require.True(t, i.Available())

	argv, err := i.BuildCommand("-x", "target")
	require.NoError(t, err)
	require.Equal(t, []string{path, "--batch", "-x", "target"}, argv)
}

func TestResolveContainer(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    map[string]any
		then     []string
	}{
		{
			scenario: "fallback to default image",
			given: map[string]any{
				"tools." + fakeName + ".path": "/does/not/exist",
			},
			then: []string{"docker", "run", "--rm", "--net=host", "example/fake:latest", "--batch", "-v"},
		},
		{
			scenario: "configured image and runtime",
			given: map[string]any{
				"tools." + fakeName + ".container_image": "registry.local/fake:1",
				"container.runtime":                      "podman",
			},
			then: []string{"podman", "run", "--rm", "--net=host", "registry.local/fake:1", "--batch", "-v"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			v := viper.New()
			for k, val := range tc.given {
				v.Set(k, val)
			}
			i := integration.New(t.Context(), fakeTool, v, lines)
			require.True(t, i.UseContainer())
			require.Empty(t, i.BinaryPath())
			require.True(t, strings.HasPrefix(i.Version(), "container:"))
			argv, err := i.BuildCommand("-v")
			require.NoError(t, err)
			require.Equal(t, tc.then, argv)
		})
	}

	t.Run("forced by use_container", func(t *testing.T) {
		t.Parallel()
		path := fakeScript(t, "echo ok")
		v := viper.New()
		v.Set("tools."+fakeName+".path", path)
		v.Set("tools."+fakeName+".use_container", true)
		i := integration.New(t.Context(), fakeTool, v, lines)
		require.True(t, i.UseContainer())
		require.Empty(t, i.BinaryPath())
	})
}

func TestBuildCommandNotConfigured(t *testing.T) {
	t.Parallel()
	tool := fakeTool
	tool.ContainerImage = ""
	i := integration.New(t.Context(), tool, nil, lines)
	require.False(t, i.Available())

	_, err := i.BuildCommand("x")
	require.ErrorIs(t, err, model.ErrConfiguration)

	_, err = i.Run(t.Context(), integration.RunOptions{}, "x")
	require.ErrorIs(t, err, model.ErrConfiguration)
}

func TestRun(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		status   model.ToolStatus
		exitCode int
		parsed   []string
	}{
		{
			scenario: "success",
			given:    `echo "$@"`,
			status:   model.StatusSuccess,
			parsed:   []string{"--batch", "a", "b"},
		},
		{
			scenario: "non-zero exit",
			given:    "echo partial; echo failure 1>&2; exit 2",
			status:   model.StatusError,
			exitCode: 2,
			parsed:   []string{"partial"},
		},
		{
			scenario: "parse error",
			given:    "echo bad",
			status:   model.StatusParseError,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			i, _ := newIntegration(t, tc.given)
			tr, err := i.Run(t.Context(), integration.RunOptions{Timeout: 10 * time.Second}, "a", "b")
			require.NoError(t, err)
			require.Equal(t, fakeName, tr.ToolName)
			require.Equal(t, tc.status, tr.Status)
			require.NotNil(t, tr.ExitCode)
			require.Equal(t, tc.exitCode, *tr.ExitCode)
			require.NotNil(t, tr.Stdout)
			require.NotNil(t, tr.Stderr)
			require.False(t, tr.EndTime.Before(tr.StartTime))
			require.Contains(t, tr.Command, fakeName)

			if tc.parsed == nil {
				require.Nil(t, tr.ParsedResult)
				return
			}
			parsed, ok := integration.Parsed[[]string](tr)
			require.True(t, ok)
			require.Equal(t, tc.parsed, parsed)
		})
	}
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()
	i, _ := newIntegration(t, "exec sleep 30")
	start := time.Now()
	tr, err := i.Run(t.Context(), integration.RunOptions{Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, model.StatusTimeout, tr.Status)
	require.Nil(t, tr.ExitCode)
	require.Nil(t, tr.ParsedResult)
	require.NotNil(t, tr.Stderr)
	require.Contains(t, *tr.Stderr, "timed out")
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestRunSpawnFailure(t *testing.T) {
	t.Parallel()
	i, path := newIntegration(t, "echo ok")
	require.NoError(t, os.Remove(path))

	tr, err := i.Run(t.Context(), integration.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, model.StatusError, tr.Status)
	require.Nil(t, tr.Stdout)
	require.NotNil(t, tr.Stderr)
	require.NotEmpty(t, *tr.Stderr)
	require.Nil(t, tr.ExitCode)
}

func TestRunInvalidUTF8(t *testing.T) {
	t.Parallel()
	i, _ := newIntegration(t, `printf 'caf\351 ok\n'`)
	tr, err := i.Run(t.Context(), integration.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, model.StatusSuccess, tr.Status)
	require.Equal(t, "caf\uFFFD ok\n", tr.StdoutString())
}

func TestRunAsyncConcurrent(t *testing.T) {
	t.Parallel()
	i, _ := newIntegration(t, `sleep 0.2; echo "$3"`)

	const n = 4
	var wg sync.WaitGroup
	results := make([]model.ToolResult, n)
	for idx := range n {
		ch, err := i.RunAsync(t.Context(), integration.RunOptions{}, "x", string(rune('a'+idx)))
		require.NoError(t, err)
		wg.Go(func() {
			results[idx] = <-ch
		})
	}
	wg.Wait()
	for idx, tr := range results {
		require.Equal(t, model.StatusSuccess, tr.Status)
		parsed, ok := integration.Parsed[[]string](tr)
		require.True(t, ok)
		require.Equal(t, []string{string(rune('a' + idx))}, parsed)
	}
}

func TestOutput(t *testing.T) {
	t.Parallel()
	i, _ := newIntegration(t, "echo usage --output-format")
	out, err := i.Output(t.Context(), 5*time.Second, "-hh")
	require.NoError(t, err)
	require.Contains(t, out, "--output-format")
}
