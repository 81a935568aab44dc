package bom_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/CZERTAINLY/Penkit/internal/bom"
	"github.com/CZERTAINLY/Penkit/internal/model"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/stretchr/testify/require"
)

func TestBuilder(t *testing.T) {
	t.Parallel()

	weak, err := model.NewVulnerability("Weak SSH ciphers", "", model.SeverityMedium,
		model.WithCVSS(5.3), model.WithAffected("10.0.0.1", 22))
	require.NoError(t, err)
	sr := model.ScanResult{
		ScanType: "port_scan",
		Target:   "10.0.0.1",
		Hosts: []model.Host{
			{
				IPAddress: "10.0.0.1",
				Status:    model.HostUp,
				OpenPorts: []model.Port{model.NewPort(22, "tcp")},
			},
		},
		Vulnerabilities: []model.Vulnerability{weak},
	}

	b := bom.NewBuilder().
		AppendAuthors(cdx.OrganizationalContact{
			Name:  "test-author",
			Email: "test.author@example.net",
		}).
		AppendScanResult(t.Context(), sr).
		// the same host seen by a second scan
		AppendScanResult(t.Context(), sr).
		AppendProperties(cdx.Property{
			Name:  "engagement",
			Value: "acme",
		})

	got := b.BOM()
	require.Equal(t, cdx.SpecVersion1_6, got.SpecVersion)
	require.Equal(t, "PenKit", got.Metadata.Component.Name)
	require.Len(t, *got.Components, 1)
	require.Len(t, *got.Services, 1)
	require.Len(t, *got.Vulnerabilities, 2)
	require.Len(t, *got.Dependencies, 1)

	var buf bytes.Buffer
	require.NoError(t, b.AsJSON(&buf))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "CycloneDX", decoded["bomFormat"])
	require.Equal(t, "1.6", decoded["specVersion"])
	require.Contains(t, decoded, "services")
	require.Contains(t, decoded, "vulnerabilities")
}

func TestBuilderEmpty(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, bom.NewBuilder().AsJSON(&buf))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Contains(t, decoded, "serialNumber")
	require.Equal(t, "PenKit", decoded["metadata"].(map[string]any)["component"].(map[string]any)["name"])
}
