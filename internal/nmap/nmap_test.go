package nmap_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/CZERTAINLY/Penkit/internal/model"
	"github.com/CZERTAINLY/Penkit/internal/nmap"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestArgs(t *testing.T) {
	t.Parallel()
	type given struct {
		target string
		opts   nmap.ScanOptions
	}
	var testCases = []struct {
		scenario string
		given    given
		then     []string
	}{
		{
			scenario: "no options",
			given:    given{target: "10.0.0.1"},
			then:     []string{"-oX", "-", "10.0.0.1"},
		},
		{
			scenario: "all options",
			given: given{
				target: "10.0.0.0/24",
				opts: nmap.ScanOptions{
					Ports:            "22,80",
					ServiceDetection: true,
					OSDetection:      true,
					Script:           "default",
					Timing:           4,
					Args:             []string{"-sT"},
				},
			},
			then: []string{"-oX", "-", "-p", "22,80", "-sV", "-O", "--script", "default", "-T", "4", "-sT", "10.0.0.0/24"},
		},
		{
			scenario: "stdout outputs are removed",
			given: given{
				target: "host",
				opts:   nmap.ScanOptions{Args: []string{"-oN", "-", "-oG", "out.gnmap", "-v"}},
			},
			then: []string{"-oX", "-", "-oG", "out.gnmap", "-v", "host"},
		},
		{
			scenario: "quick",
			given:    given{target: "host", opts: nmap.QuickOptions()},
			then:     []string{"-oX", "-", "-T", "4", "-F", "host"},
		},
		{
			scenario: "comprehensive",
			given:    given{target: "host", opts: nmap.ComprehensiveOptions()},
			then:     []string{"-oX", "-", "-sV", "-O", "--script", "default", "-T", "4", "host"},
		},
		{
			scenario: "script",
			given:    given{target: "host", opts: nmap.ScriptOptions("ssl-cert", "443")},
			then:     []string{"-oX", "-", "-p", "443", "--script", "ssl-cert", "host"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.then, nmap.Args(tc.given.target, tc.given.opts))
		})
	}
}

func TestProfile(t *testing.T) {
	t.Parallel()
	opts, err := nmap.Profile("service")
	require.NoError(t, err)
	require.True(t, opts.ServiceDetection)

	_, err = nmap.Profile("stealth")
	require.ErrorIs(t, err, model.ErrInvalidOption)
}

// fakeNmap returns a scanner backed by a shell script pretending to be nmap
func fakeNmap(t *testing.T, body string) *nmap.Scanner {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("skipped, /bin/sh not available")
	}
	dir := t.TempDir()
	raw, err := testdata.ReadFile("testdata/scan.xml")
	require.NoError(t, err)
	fixture := filepath.Join(dir, "scan.xml")
	require.NoError(t, os.WriteFile(fixture, raw, 0o644))

	path := filepath.Join(dir, "nmap")
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = \"--version\" ]; then echo 'Nmap version 7.94 ( https://nmap.org )'; exit 0; fi\n" +
		"FIXTURE=" + fixture + "\n" +
		body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	v := viper.New()
	v.Set("tools.nmap.path", path)
	s := nmap.New(t.Context(), v)
	require.Equal(t, path, s.BinaryPath())
	require.Equal(t, "7.94", s.Version())
	return s
}

func TestScanFake(t *testing.T) {
	t.Parallel()
	s := fakeNmap(t, `cat "$FIXTURE"`)
	out := filepath.Join(t.TempDir(), "report.xml")

	sr, res, err := s.ScanResult(t.Context(), "port_scan", "192.168.1.0/30", nmap.ScanOptions{OutputXML: out})
	require.NoError(t, err)
	require.Len(t, res.Hosts, 3)
	require.Equal(t, model.ScanCompleted, sr.Status)
	require.Equal(t, "nmap", sr.Metadata["tool"])
	require.NotNil(t, sr.RawOutput)

	stored, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Contains(t, string(stored), "<nmaprun")
}

func TestScanFakeFail(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     error
	}{
		{
			scenario: "exit without output",
			given:    "echo 'You requested a scan type which requires root privileges.' >&2; exit 1",
			then:     model.ErrToolExecution,
		},
		{
			scenario: "not an xml",
			given:    "echo 'Starting Nmap'; exit 0",
			then:     model.ErrOutputParsing,
		},
		{
			scenario: "empty output",
			given:    "exit 0",
			then:     model.ErrOutputParsing,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			s := fakeNmap(t, tc.given)
			_, err := s.Scan(t.Context(), "192.168.1.1", nmap.ScanOptions{})
			require.Error(t, err)
			require.ErrorIs(t, err, tc.then)
			require.ErrorIs(t, err, model.ErrIntegration)
		})
	}
}

func TestScanEmptyTarget(t *testing.T) {
	t.Parallel()
	marker := filepath.Join(t.TempDir(), "called")
	s := fakeNmap(t, `touch "`+marker+`"; cat "$FIXTURE"`)

	for _, target := range []string{"", "  \t"} {
		_, err := s.Scan(t.Context(), target, nmap.ScanOptions{})
		require.ErrorIs(t, err, model.ErrToolExecution)
		var ie *model.IntegrationError
		require.ErrorAs(t, err, &ie)
		require.Equal(t, "Target is required for Nmap scan", ie.Msg)

		_, _, err = s.ScanResult(t.Context(), "port_scan", target, nmap.QuickOptions())
		require.ErrorIs(t, err, model.ErrToolExecution)
	}
	require.NoFileExists(t, marker, "nmap must not be executed without a target")
}

func TestScanFakeExitWithReport(t *testing.T) {
	t.Parallel()
	s := fakeNmap(t, `cat "$FIXTURE"; exit 1`)
	res, err := s.Scan(t.Context(), "192.168.1.1", nmap.ScanOptions{})
	require.NoError(t, err)
	require.Len(t, res.Hosts, 3)
}

func TestScanFakeTimeout(t *testing.T) {
	t.Parallel()
	s := fakeNmap(t, "sleep 30")
	_, err := s.Scan(t.Context(), "192.168.1.1", nmap.ScanOptions{Timeout: 200 * time.Millisecond})
	require.ErrorIs(t, err, model.ErrToolExecution)

	var ie *model.IntegrationError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, "Nmap scan timed out after 200ms", ie.Msg)
}

func TestScanner(t *testing.T) {
	if testing.Short() {
		t.Skip("skipped in short mode")
	}
	t.Parallel()
	if _, err := exec.LookPath("nmap"); err != nil {
		t.Skip("skipped, nmap binary is missing in PATH")
	}

	s := nmap.New(t.Context(), viper.New())
	require.False(t, s.UseContainer())

	ports := strconv.Itoa(int(http4.Port())) + "," + strconv.Itoa(int(ssh4.Port()))
	res, err := s.ServiceScan(t.Context(), http4.Addr().String(), ports)
	require.NoError(t, err)
	require.Len(t, res.Hosts, 1)

	host := res.Hosts[0]
	require.Equal(t, "127.0.0.1", host.IPAddress)
	require.Equal(t, model.HostUp, host.Status)
	require.Len(t, host.OpenPorts, 2)
	for _, p := range host.OpenPorts {
		require.True(t, p.IsOpen())
	}

	summary := nmap.PortSummary(res)
	require.Equal(t, 1, summary[int(http4.Port())])
	require.Equal(t, 1, summary[int(ssh4.Port())])
}

func TestScannerContainer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipped in short mode")
	}
	if _, err := exec.LookPath("nmap"); err != nil {
		t.Skip("skipped, nmap binary is missing in PATH")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := t.Context()
	nginx, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nginx:alpine",
			ExposedPorts: []string{"80/tcp"},
			WaitingFor:   wait.ForListeningPort("80/tcp"),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, nginx)
	require.NoError(t, err)

	mapped, err := nginx.MappedPort(ctx, "80/tcp")
	require.NoError(t, err)

	s := nmap.New(ctx, viper.New())
	res, err := s.ServiceScan(ctx, "127.0.0.1", mapped.Port())
	require.NoError(t, err)
	require.Len(t, res.Hosts, 1)
	require.Len(t, res.Hosts[0].OpenPorts, 1)

	port := res.Hosts[0].OpenPorts[0]
	require.True(t, port.IsOpen())
	require.Equal(t, "http", model.Deref(port.Service))
	require.Contains(t, model.Deref(port.Version), "nginx")
}
