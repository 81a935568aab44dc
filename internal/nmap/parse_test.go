package nmap_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Penkit/internal/model"
	"github.com/CZERTAINLY/Penkit/internal/nmap"
	"github.com/stretchr/testify/require"
)

func parseFixture(t *testing.T, name string) (nmap.Result, error) {
	t.Helper()
	raw, err := testdata.ReadFile("testdata/" + name)
	require.NoError(t, err)
	return nmap.ParseXML(t.Context(), bytes.NewReader(raw))
}

func TestParseXML(t *testing.T) {
	t.Parallel()
	res, err := parseFixture(t, "scan.xml")
	require.NoError(t, err)

	require.Equal(t, "nmap", res.ScanInfo.Scanner)
	require.Equal(t, "7.94", res.ScanInfo.Version)
	require.NotNil(t, res.ScanInfo.Finished)
	require.Equal(t, "20.00", res.ScanInfo.Finished.Elapsed)
	require.Equal(t, "success", res.ScanInfo.Finished.Exit)
	require.Contains(t, res.ScanInfo.Finished.Summary, "3 hosts up")

	// the ipv6 only host is skipped
	require.Len(t, res.Hosts, 3)
	require.Equal(t, "192.168.1.1", res.Hosts[0].IPAddress)
	require.Equal(t, "192.168.1.2", res.Hosts[1].IPAddress)
	require.Equal(t, "192.168.1.3", res.Hosts[2].IPAddress)

	router := res.Hosts[0]
	require.Equal(t, model.HostUp, router.Status)
	require.Equal(t, "router.lan", model.Deref(router.Hostname))
	require.Equal(t, "AA:BB:CC:DD:EE:FF", model.Deref(router.MACAddress))
	require.Equal(t, "Linux 5.0 - 5.4", model.Deref(router.OSInfo))
	require.Equal(t, "Acme", router.Metadata["mac_vendor"])
	require.Equal(t, time.Unix(1700000001, 0).UTC(), router.FirstSeen)
	require.Equal(t, time.Unix(1700000010, 0).UTC(), router.LastSeen)

	// notaport is skipped, the rest is kept regardless of the state
	require.Len(t, router.OpenPorts, 4)
	ssh := router.OpenPorts[0]
	require.Equal(t, 22, ssh.Number)
	require.Equal(t, "tcp", ssh.Protocol)
	require.Equal(t, model.PortOpen, ssh.State)
	require.Equal(t, "ssh", model.Deref(ssh.Service))
	require.Equal(t, "OpenSSH 8.9p1", model.Deref(ssh.Version))
	require.Equal(t, "SSH-2.0-OpenSSH_8.9p1", model.Deref(ssh.Banner))

	http := router.OpenPorts[1]
	require.Equal(t, "nginx", model.Deref(http.Version))
	require.Nil(t, http.Banner)

	require.Equal(t, model.PortClosed, router.OpenPorts[2].State)
	require.Nil(t, router.OpenPorts[2].Version)
	require.Equal(t, 8080, router.OpenPorts[3].Number)
	require.Equal(t, model.PortUnknown, router.OpenPorts[3].State)
	require.Nil(t, router.OpenPorts[3].Service)

	require.Nil(t, res.Hosts[1].Hostname)
	require.Equal(t, model.HostDown, res.Hosts[2].Status)
	require.Empty(t, res.Hosts[2].OpenPorts)
	require.True(t, res.Hosts[2].FirstSeen.IsZero())

	require.Len(t, res.Skipped, 2)
	require.Equal(t, "port", res.Skipped[0].Element)
	require.Equal(t, 3, res.Skipped[0].Index)
	require.Equal(t, "192.168.1.1", res.Skipped[0].Host)
	require.Equal(t, "host", res.Skipped[1].Element)
	require.Equal(t, 1, res.Skipped[1].Index)
}

func TestParseXMLIdempotent(t *testing.T) {
	t.Parallel()
	first, err := parseFixture(t, "scan.xml")
	require.NoError(t, err)
	second, err := parseFixture(t, "scan.xml")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestParseXMLTruncated(t *testing.T) {
	t.Parallel()
	res, err := parseFixture(t, "truncated.xml")
	require.NoError(t, err)
	require.Len(t, res.Hosts, 2)
	require.Nil(t, res.ScanInfo.Finished)
	last := res.Skipped[len(res.Skipped)-1]
	require.Equal(t, "document", last.Element)
}

func TestParseXMLFail(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
	}{
		{scenario: "empty", given: ""},
		{scenario: "not xml", given: "Starting Nmap 7.94 ( https://nmap.org )"},
		{scenario: "other root", given: `<?xml version="1.0"?><report></report>`},
		{scenario: "broken root", given: `<nmaprun scanner="nmap"><host><address addr=`},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := nmap.ParseXML(t.Context(), strings.NewReader(tc.given))
			require.Error(t, err)
		})
	}
}

func TestParseXMLEmptyRun(t *testing.T) {
	t.Parallel()
	res, err := nmap.ParseXML(t.Context(), strings.NewReader(
		`<nmaprun scanner="nmap" version="7.94"><runstats><finished elapsed="0.1" exit="success"/></runstats></nmaprun>`,
	))
	require.NoError(t, err)
	require.Empty(t, res.Hosts)
	require.NotNil(t, res.Hosts)
	require.Equal(t, "0.1", res.ScanInfo.Finished.Elapsed)
}

func TestParseXMLHostname(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{
			scenario: "user first",
			given:    `<hostname name="ptr.example.com" type="PTR"/><hostname name="target.example.com" type="user"/>`,
			then:     "target.example.com",
		},
		{
			scenario: "ptr only",
			given:    `<hostname name="ptr.example.com" type="PTR"/>`,
			then:     "ptr.example.com",
		},
		{scenario: "none", given: ``, then: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			doc := `<nmaprun scanner="nmap"><host><status state="up"/>` +
				`<address addr="10.0.0.1" addrtype="ipv4"/><hostnames>` + tc.given + `</hostnames></host></nmaprun>`
			res, err := nmap.ParseXML(t.Context(), strings.NewReader(doc))
			require.NoError(t, err)
			require.Len(t, res.Hosts, 1)
			require.Equal(t, tc.then, model.Deref(res.Hosts[0].Hostname))
		})
	}
}

func TestParseXMLPortWithoutProtocol(t *testing.T) {
	t.Parallel()
	doc := `<nmaprun scanner="nmap"><host><status state="up"/><address addr="10.0.0.1" addrtype="ipv4"/>` +
		`<ports><port portid="8080"><state state="open"/><service name="http-proxy"/></port>` +
		`<port protocol="tcp" portid="22"><state state="open"/></port></ports></host></nmaprun>`
	res, err := nmap.ParseXML(t.Context(), strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, res.Hosts, 1)
	ports := res.Hosts[0].OpenPorts
	require.Len(t, ports, 2)
	require.Equal(t, 8080, ports[0].Number)
	require.Empty(t, ports[0].Protocol)
	require.Equal(t, "http-proxy", model.Deref(ports[0].Service))
	require.Equal(t, "tcp", ports[1].Protocol)
}

func TestSummaries(t *testing.T) {
	t.Parallel()
	res, err := parseFixture(t, "scan.xml")
	require.NoError(t, err)

	total, up, down := nmap.HostSummary(res)
	require.Equal(t, 3, total)
	require.Equal(t, 2, up)
	require.Equal(t, 1, down)

	require.Equal(t, map[int]int{22: 1, 80: 2}, nmap.PortSummary(res))
}

func TestResultScanResult(t *testing.T) {
	t.Parallel()
	res, err := parseFixture(t, "scan.xml")
	require.NoError(t, err)

	start := time.Unix(1700000000, 0).UTC()
	tr := model.ToolResult{
		ToolName:  "nmap",
		Status:    model.StatusSuccess,
		StartTime: start,
		EndTime:   start.Add(20 * time.Second),
	}
	sr := res.ScanResult("port_scan", "192.168.1.0/30", tr)
	require.Equal(t, "port_scan", sr.ScanType)
	require.Equal(t, model.ScanCompleted, sr.Status)
	require.Len(t, sr.Hosts, 3)
	require.Equal(t, "7.94", sr.Metadata["nmap_version"])
	require.True(t, sr.IsComplete())
}
