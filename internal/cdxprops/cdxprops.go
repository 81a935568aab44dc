// Package cdxprops converts scan results into CycloneDX components,
// services and vulnerabilities.
package cdxprops

import (
	cdx "github.com/CycloneDX/cyclonedx-go"
)

// Exported so tests and other packages can reference the same strings.
const (
	PenkitHostStatus      = "penkit:host:status"
	PenkitHostMACAddress  = "penkit:host:mac_address"
	PenkitHostMACVendor   = "penkit:host:mac_vendor"
	PenkitHostOS          = "penkit:host:os"
	PenkitHostFirstSeen   = "penkit:host:first_seen"
	PenkitHostLastSeen    = "penkit:host:last_seen"
	PenkitHostTag         = "penkit:host:tag"
	PenkitHostNotes       = "penkit:host:notes"
	PenkitServicePort     = "penkit:service:port"
	PenkitServiceProtocol = "penkit:service:protocol"
	PenkitServiceState    = "penkit:service:state"
	PenkitServiceBanner   = "penkit:service:banner"
	PenkitServiceTunnel   = "penkit:service:tunnel"
	PenkitServiceNotes    = "penkit:service:notes"
	PenkitVulnStatus      = "penkit:vulnerability:status"
	PenkitVulnType        = "penkit:vulnerability:type"
	PenkitVulnParameter   = "penkit:vulnerability:parameter"
	PenkitVulnPayload     = "penkit:vulnerability:payload"
	PenkitVulnTag         = "penkit:vulnerability:tag"
	PenkitScanType        = "penkit:scan:type"
	PenkitScanTarget      = "penkit:scan:target"
)

// SetProp sets (or upserts) a property, empty values are ignored
func SetProp(props **[]cdx.Property, name, value string) {
	if value == "" {
		return
	}
	if *props == nil {
		*props = &[]cdx.Property{{Name: name, Value: value}}
		return
	}
	ps := **props
	for i := range ps {
		if ps[i].Name == name {
			ps[i].Value = value
			return
		}
	}
	ps = append(ps, cdx.Property{Name: name, Value: value})
	*props = &ps
}

// AddProps appends a property per non-empty value, keeping duplicates
func AddProps(props **[]cdx.Property, name string, values ...string) {
	for _, value := range values {
		if value == "" {
			continue
		}
		if *props == nil {
			*props = &[]cdx.Property{}
		}
		**props = append(**props, cdx.Property{Name: name, Value: value})
	}
}

// SetComponentProp sets (or upserts) a CycloneDX component property.
func SetComponentProp(c *cdx.Component, name, value string) {
	SetProp(&c.Properties, name, value)
}

// AddEvidenceLocation appends an evidence.occurrence location if non-empty.
func AddEvidenceLocation(c *cdx.Component, loc string) {
	if loc == "" {
		return
	}
	occ := cdx.EvidenceOccurrence{Location: loc}
	if c.Evidence == nil {
		c.Evidence = &cdx.Evidence{Occurrences: &[]cdx.EvidenceOccurrence{occ}}
		return
	}
	if c.Evidence.Occurrences == nil {
		c.Evidence.Occurrences = &[]cdx.EvidenceOccurrence{occ}
		return
	}
	occs := append(*c.Evidence.Occurrences, occ)
	c.Evidence.Occurrences = &occs
}
