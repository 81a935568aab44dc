package model

import (
	"fmt"
	"math"
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
	SeverityUnknown  Severity = "unknown"
)

func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo, SeverityUnknown:
		return Severity(s), nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// FindingStatus is a triage state of a vulnerability
type FindingStatus string

const (
	FindingOpen          FindingStatus = "open"
	FindingInProgress    FindingStatus = "in_progress"
	FindingResolved      FindingStatus = "resolved"
	FindingClosed        FindingStatus = "closed"
	FindingVerified      FindingStatus = "verified"
	FindingFalsePositive FindingStatus = "false_positive"
)

const (
	minCVSS = 0.0
	maxCVSS = 10.0
)

type Vulnerability struct {
	ID             string         `json:"id,omitempty"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Severity       Severity       `json:"severity"`
	CVSSScore      *float64       `json:"cvss_score,omitempty"`
	CVEIDs         []string       `json:"cve_ids,omitempty"`
	AffectedHosts  []string       `json:"affected_hosts,omitempty"`
	AffectedPorts  []int          `json:"affected_ports,omitempty"`
	DiscoveredAt   time.Time      `json:"discovered_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Status         FindingStatus  `json:"status"`
	Remediation    *string        `json:"remediation,omitempty"`
	ProofOfConcept *string        `json:"proof_of_concept,omitempty"`
	References     []string       `json:"references,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// VulnerabilityOption customizes NewVulnerability
type VulnerabilityOption func(*Vulnerability)

func WithCVSS(score float64) VulnerabilityOption {
	return func(v *Vulnerability) {
		v.CVSSScore = &score
	}
}

func WithAffected(host string, ports ...int) VulnerabilityOption {
	return func(v *Vulnerability) {
		if host != "" {
			v.AffectedHosts = append(v.AffectedHosts, host)
		}
		v.AffectedPorts = append(v.AffectedPorts, ports...)
	}
}

func WithMetadata(key string, value any) VulnerabilityOption {
	return func(v *Vulnerability) {
		if v.Metadata == nil {
			v.Metadata = make(map[string]any)
		}
		v.Metadata[key] = value
	}
}

// WithProofOfConcept sets the steps or payload reproducing the issue
func WithProofOfConcept(poc string) VulnerabilityOption {
	return func(v *Vulnerability) {
		v.ProofOfConcept = Ptr(poc)
	}
}

func WithTags(tags ...string) VulnerabilityOption {
	return func(v *Vulnerability) {
		v.Tags = append(v.Tags, tags...)
	}
}

func WithDiscoveredAt(t time.Time) VulnerabilityOption {
	return func(v *Vulnerability) {
		v.DiscoveredAt = t
	}
}

// NewVulnerability returns an open vulnerability. It fails when the CVSS
// score is NaN or outside of the [0, 10] range, both bounds included.
// UpdatedAt defaults to the discovery time.
func NewVulnerability(title, description string, severity Severity, opts ...VulnerabilityOption) (Vulnerability, error) {
	v := Vulnerability{
		Title:        title,
		Description:  description,
		Severity:     severity,
		DiscoveredAt: time.Now().UTC(),
		Status:       FindingOpen,
	}
	for _, opt := range opts {
		opt(&v)
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = v.DiscoveredAt
	}
	if err := v.Validate(); err != nil {
		return Vulnerability{}, err
	}
	return v, nil
}

func (v Vulnerability) Validate() error {
	if v.CVSSScore == nil {
		return nil
	}
	if s := *v.CVSSScore; math.IsNaN(s) || s < minCVSS || s > maxCVSS {
		return fmt.Errorf("cvss score %.1f out of range [%.0f, %.0f]", s, minCVSS, maxCVSS)
	}
	return nil
}
