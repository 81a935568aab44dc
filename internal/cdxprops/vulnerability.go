package cdxprops

import (
	"fmt"
	"time"

	"github.com/CZERTAINLY/Penkit/internal/model"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"
)

var severities = map[model.Severity]cdx.Severity{
	model.SeverityCritical: cdx.SeverityCritical,
	model.SeverityHigh:     cdx.SeverityHigh,
	model.SeverityMedium:   cdx.SeverityMedium,
	model.SeverityLow:      cdx.SeverityLow,
	model.SeverityInfo:     cdx.SeverityInfo,
	model.SeverityUnknown:  cdx.SeverityUnknown,
}

// analysisStates maps finding status to the CycloneDX impact analysis state
var analysisStates = map[model.FindingStatus]cdx.ImpactAnalysisState{
	model.FindingOpen:          "in_triage",
	model.FindingInProgress:    "in_triage",
	model.FindingVerified:      "exploitable",
	model.FindingResolved:      "resolved",
	model.FindingClosed:        "resolved",
	model.FindingFalsePositive: "false_positive",
}

// Vulnerability converts a vulnerability. The id is the first CVE id, the
// vulnerability id or a random UUID in this order. affects are bom-refs of
// the affected components or services.
func Vulnerability(v model.Vulnerability, affects ...string) cdx.Vulnerability {
	id := v.ID
	if len(v.CVEIDs) > 0 {
		id = v.CVEIDs[0]
	}
	if id == "" {
		id = uuid.NewString()
	}

	rating := cdx.VulnerabilityRating{
		Severity: severity(v.Severity),
		Method:   cdx.ScoringMethodOther,
	}
	if v.CVSSScore != nil {
		score := *v.CVSSScore
		rating.Score = &score
		rating.Method = cdx.ScoringMethodCVSSv31
	}

	ret := cdx.Vulnerability{
		BOMRef:      "vuln/" + id,
		ID:          id,
		Source:      &cdx.Source{Name: "penkit"},
		Ratings:     &[]cdx.VulnerabilityRating{rating},
		Description: v.Title,
		Detail:      v.Description,
		Analysis: &cdx.VulnerabilityAnalysis{
			State: analysisStates[v.Status],
		},
	}
	if !v.DiscoveredAt.IsZero() {
		ret.Created = v.DiscoveredAt.UTC().Format(time.RFC3339)
	}
	if !v.UpdatedAt.IsZero() {
		ret.Updated = v.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if v.Remediation != nil {
		ret.Recommendation = *v.Remediation
	}
	if v.ProofOfConcept != nil {
		ret.ProofOfConcept = &cdx.ProofOfConcept{ReproductionSteps: *v.ProofOfConcept}
	}
	if len(v.CVEIDs) > 1 {
		refs := make([]cdx.VulnerabilityReference, 0, len(v.CVEIDs)-1)
		for _, cve := range v.CVEIDs[1:] {
			refs = append(refs, cdx.VulnerabilityReference{
				ID:     cve,
				Source: &cdx.Source{Name: "NVD", URL: "https://nvd.nist.gov/vuln/detail/" + cve},
			})
		}
		ret.References = &refs
	}
	if len(v.References) > 0 {
		advisories := make([]cdx.Advisory, 0, len(v.References))
		for _, u := range v.References {
			advisories = append(advisories, cdx.Advisory{URL: u})
		}
		ret.Advisories = &advisories
	}
	if len(affects) > 0 {
		aff := make([]cdx.Affects, 0, len(affects))
		for _, ref := range affects {
			aff = append(aff, cdx.Affects{Ref: ref})
		}
		ret.Affects = &aff
	}

	SetProp(&ret.Properties, PenkitVulnStatus, string(v.Status))
	AddProps(&ret.Properties, PenkitVulnTag, v.Tags...)
	for key, name := range map[string]string{
		"type":      PenkitVulnType,
		"parameter": PenkitVulnParameter,
		"payload":   PenkitVulnPayload,
	} {
		if s, ok := v.Metadata[key].(string); ok {
			SetProp(&ret.Properties, name, s)
		}
	}
	if ret.Properties != nil {
		sortProps(*ret.Properties)
	}
	return ret
}

func severity(s model.Severity) cdx.Severity {
	if ret, ok := severities[s]; ok {
		return ret
	}
	return cdx.SeverityUnknown
}

// affectedRefs returns bom-refs of the affected hosts and their services
func affectedRefs(v model.Vulnerability, hosts map[string]model.Host) []string {
	var refs []string
	for _, addr := range v.AffectedHosts {
		h, ok := hosts[addr]
		if !ok {
			continue
		}
		if len(v.AffectedPorts) == 0 {
			refs = append(refs, HostRef(addr))
			continue
		}
		for _, num := range v.AffectedPorts {
			found := false
			for _, p := range h.OpenPorts {
				if p.Number == num && p.IsOpen() {
					refs = append(refs, ServiceRef(addr, p))
					found = true
				}
			}
			if !found {
				refs = append(refs, HostRef(addr))
			}
		}
	}
	return dedupe(refs)
}

func dedupe(s []string) []string {
	seen := make(map[string]struct{}, len(s))
	ret := s[:0]
	for _, v := range s {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		ret = append(ret, v)
	}
	return ret
}

func targetRef(target string) string {
	return fmt.Sprintf("target/%s", target)
}
