package cdxprops_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/Penkit/internal/cdxprops"
	"github.com/CZERTAINLY/Penkit/internal/model"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/stretchr/testify/require"
)

func TestSetComponentProp(t *testing.T) {
	t.Parallel()
	var c cdx.Component
	cdxprops.SetComponentProp(&c, "anything", "")
	require.Nil(t, c.Properties)

	cdxprops.SetComponentProp(&c, cdxprops.PenkitHostStatus, "down")
	cdxprops.SetComponentProp(&c, cdxprops.PenkitHostOS, "Linux")
	cdxprops.SetComponentProp(&c, cdxprops.PenkitHostStatus, "up")
	require.Equal(t, []cdx.Property{
		{Name: cdxprops.PenkitHostStatus, Value: "up"},
		{Name: cdxprops.PenkitHostOS, Value: "Linux"},
	}, *c.Properties)

	cdxprops.AddEvidenceLocation(&c, "")
	require.Nil(t, c.Evidence)
	cdxprops.AddEvidenceLocation(&c, "10.0.0.1")
	cdxprops.AddEvidenceLocation(&c, "10.0.0.2")
	require.Len(t, *c.Evidence.Occurrences, 2)
}

var seen = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func host() model.Host {
	return model.Host{
		IPAddress:  "10.0.0.1",
		Hostname:   model.Ptr("gw.lan"),
		MACAddress: model.Ptr("00:11:22:33:44:55"),
		OSInfo:     model.Ptr("Linux 5.X"),
		Status:     model.HostUp,
		FirstSeen:  seen,
		Tags:       []string{"dmz", "gateway"},
		Notes:      model.Ptr("jump host"),
		Metadata:   map[string]any{"mac_vendor": "Acme"},
		OpenPorts: []model.Port{
			{Number: 22, Protocol: "tcp", State: model.PortOpen, Service: model.Ptr("ssh"), Version: model.Ptr("OpenSSH 9.6"), Notes: model.Ptr("password auth")},
			{Number: 443, Protocol: "tcp", State: model.PortOpen, Service: model.Ptr("http"), Metadata: map[string]any{"tunnel": "ssl"}},
			{Number: 8080, Protocol: "tcp", State: model.PortClosed},
			{Number: 161, Protocol: "udp", State: model.PortOpen},
		},
	}
}

func TestHostComponent(t *testing.T) {
	t.Parallel()
	compo := cdxprops.HostComponent(host())
	require.Equal(t, "host/10.0.0.1", compo.BOMRef)
	require.Equal(t, cdx.ComponentTypeDevice, compo.Type)
	require.Equal(t, "gw.lan", compo.Name)
	require.Equal(t, "Linux 5.X", compo.Description)
	require.Equal(t, []cdx.Property{
		{Name: cdxprops.PenkitHostStatus, Value: "up"},
		{Name: cdxprops.PenkitHostMACAddress, Value: "00:11:22:33:44:55"},
		{Name: cdxprops.PenkitHostMACVendor, Value: "Acme"},
		{Name: cdxprops.PenkitHostOS, Value: "Linux 5.X"},
		{Name: cdxprops.PenkitHostFirstSeen, Value: "2026-01-02T03:04:05Z"},
		{Name: cdxprops.PenkitHostNotes, Value: "jump host"},
		{Name: cdxprops.PenkitHostTag, Value: "dmz"},
		{Name: cdxprops.PenkitHostTag, Value: "gateway"},
	}, *compo.Properties)

	bare := cdxprops.HostComponent(model.Host{IPAddress: "10.0.0.9", Status: model.HostUnknown})
	require.Equal(t, "10.0.0.9", bare.Name)
}

func TestPortServices(t *testing.T) {
	t.Parallel()
	services := cdxprops.PortServices(t.Context(), host())
	require.Len(t, services, 3)

	var testCases = []struct {
		scenario string
		given    cdx.Service
		name     string
		endpoint string
	}{
		{"ssh", services[0], "ssh", "tcp://10.0.0.1:22"},
		{"tunneled http", services[1], "http", "https://10.0.0.1:443"},
		{"unknown service", services[2], "udp/161", "udp://10.0.0.1:161"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			require.Equal(t, tc.name, tc.given.Name)
			require.Equal(t, []string{tc.endpoint}, *tc.given.Endpoints)
		})
	}
	require.Equal(t, "service/10.0.0.1:22/tcp", services[0].BOMRef)
	require.Equal(t, "OpenSSH 9.6", services[0].Version)
	require.Contains(t, *services[0].Properties, cdx.Property{Name: cdxprops.PenkitServiceNotes, Value: "password auth"})

	noProto := cdxprops.PortServices(t.Context(), model.Host{
		IPAddress: "10.0.0.2",
		OpenPorts: []model.Port{model.NewPort(8080, "")},
	})
	require.Len(t, noProto, 1)
	require.Equal(t, "service/10.0.0.2:8080/", noProto[0].BOMRef)
	require.Equal(t, []string{"tcp://10.0.0.2:8080"}, *noProto[0].Endpoints)
}

func TestVulnerability(t *testing.T) {
	t.Parallel()
	v, err := model.NewVulnerability("Weak SSH ciphers", "CBC mode ciphers enabled", model.SeverityMedium,
		model.WithCVSS(5.3),
		model.WithDiscoveredAt(seen),
		model.WithMetadata("type", "crypto"),
		model.WithProofOfConcept("ssh -c aes128-cbc 10.0.0.1"),
		model.WithTags("ssh", "crypto"),
	)
	require.NoError(t, err)
	v.UpdatedAt = seen.Add(time.Hour)
	v.CVEIDs = []string{"CVE-2008-5161", "CVE-2023-48795"}
	v.Remediation = model.Ptr("Disable CBC ciphers")

	got := cdxprops.Vulnerability(v, "service/10.0.0.1:22/tcp")
	require.Equal(t, "CVE-2008-5161", got.ID)
	require.Equal(t, "vuln/CVE-2008-5161", got.BOMRef)
	require.Equal(t, "Weak SSH ciphers", got.Description)
	require.Equal(t, "CBC mode ciphers enabled", got.Detail)
	require.Equal(t, "Disable CBC ciphers", got.Recommendation)
	require.Equal(t, "2026-01-02T03:04:05Z", got.Created)
	require.Equal(t, "2026-01-02T04:04:05Z", got.Updated)
	require.NotNil(t, got.ProofOfConcept)
	require.Equal(t, "ssh -c aes128-cbc 10.0.0.1", got.ProofOfConcept.ReproductionSteps)
	require.Len(t, *got.Ratings, 1)
	rating := (*got.Ratings)[0]
	require.Equal(t, cdx.SeverityMedium, rating.Severity)
	require.Equal(t, cdx.ScoringMethodCVSSv31, rating.Method)
	require.InDelta(t, 5.3, *rating.Score, 0.001)
	require.Equal(t, "CVE-2023-48795", (*got.References)[0].ID)
	require.Equal(t, []cdx.Affects{{Ref: "service/10.0.0.1:22/tcp"}}, *got.Affects)
	require.Equal(t, cdx.ImpactAnalysisState("in_triage"), got.Analysis.State)
	require.Equal(t, []cdx.Property{
		{Name: cdxprops.PenkitVulnStatus, Value: "open"},
		{Name: cdxprops.PenkitVulnTag, Value: "ssh"},
		{Name: cdxprops.PenkitVulnTag, Value: "crypto"},
		{Name: cdxprops.PenkitVulnType, Value: "crypto"},
	}, *got.Properties)

	unknown := cdxprops.Vulnerability(model.Vulnerability{Title: "x", Severity: model.SeverityUnknown})
	require.Equal(t, cdx.SeverityUnknown, (*unknown.Ratings)[0].Severity)
	require.Nil(t, unknown.ProofOfConcept)
	require.Empty(t, unknown.Updated)

	noID := cdxprops.Vulnerability(model.Vulnerability{Title: "x", Severity: "bogus"})
	require.NotEmpty(t, noID.ID)
	require.Nil(t, noID.Affects)
	require.Nil(t, (*noID.Ratings)[0].Score)
	require.Equal(t, cdx.SeverityUnknown, (*noID.Ratings)[0].Severity)
}

func TestScanResult(t *testing.T) {
	t.Parallel()
	weak, err := model.NewVulnerability("Weak SSH ciphers", "", model.SeverityMedium, model.WithAffected("10.0.0.1", 22))
	require.NoError(t, err)
	closed, err := model.NewVulnerability("Debug console", "", model.SeverityHigh, model.WithAffected("10.0.0.1", 8080))
	require.NoError(t, err)
	sqli, err := model.NewVulnerability("SQL Injection (error-based)", "", model.SeverityHigh, model.WithAffected("http://10.0.0.1/?id=1"))
	require.NoError(t, err)
	general, err := model.NewVulnerability("Flat network", "", model.SeverityLow)
	require.NoError(t, err)

	parts := cdxprops.ScanResult(t.Context(), model.ScanResult{
		ScanType:        "port_scan",
		Target:          "10.0.0.0/30",
		Hosts:           []model.Host{host(), host()},
		Vulnerabilities: []model.Vulnerability{weak, closed, sqli, general},
	})

	refs := make([]string, 0, len(parts.Components))
	for _, c := range parts.Components {
		refs = append(refs, c.BOMRef)
	}
	require.Equal(t, []string{"host/10.0.0.1", "target/http://10.0.0.1/?id=1", "target/10.0.0.0/30"}, refs)
	require.Len(t, parts.Services, 3)
	require.Len(t, parts.Dependencies, 1)
	require.Equal(t, "host/10.0.0.1", parts.Dependencies[0].Ref)
	require.Len(t, *parts.Dependencies[0].Dependencies, 3)

	affects := func(i int) []string {
		var ret []string
		for _, a := range *parts.Vulnerabilities[i].Affects {
			ret = append(ret, a.Ref)
		}
		return ret
	}
	require.Equal(t, []string{"service/10.0.0.1:22/tcp"}, affects(0))
	require.Equal(t, []string{"host/10.0.0.1"}, affects(1))
	require.Equal(t, []string{"target/http://10.0.0.1/?id=1"}, affects(2))
	require.Equal(t, []string{"target/10.0.0.0/30"}, affects(3))
}
