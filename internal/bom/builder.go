// Package bom assembles scan results into a CycloneDX 1.6 BOM.
package bom

import (
	"context"
	"io"
	"runtime/debug"
	"slices"
	"time"

	"github.com/CZERTAINLY/Penkit/internal/cdxprops"
	"github.com/CZERTAINLY/Penkit/internal/model"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"
)

var version = func() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "unknown"
	}
	return info.Main.Version
}()

// Builder is a builder pattern for a CycloneDX BOM structure
type Builder struct {
	authors         []cdx.OrganizationalContact
	components      []cdx.Component
	services        []cdx.Service
	dependencies    []cdx.Dependency
	vulnerabilities []cdx.Vulnerability
	properties      []cdx.Property
	refs            map[string]struct{}
}

func NewBuilder() *Builder {
	return &Builder{
		// those MUST be initialized as cyclone-dx JSON schema do not allow items to be null
		components:      []cdx.Component{},
		services:        []cdx.Service{},
		dependencies:    []cdx.Dependency{},
		vulnerabilities: []cdx.Vulnerability{},
		properties:      []cdx.Property{},
		refs:            map[string]struct{}{},
	}
}

func (b *Builder) AppendAuthors(authors ...cdx.OrganizationalContact) *Builder {
	b.authors = append(b.authors, authors...)
	return b
}

// AppendComponents adds components, a component with an already used
// bom-ref is ignored
func (b *Builder) AppendComponents(components ...cdx.Component) *Builder {
	for _, c := range components {
		if b.seen(c.BOMRef) {
			continue
		}
		b.components = append(b.components, c)
	}
	return b
}

// AppendServices adds services, a service with an already used bom-ref is
// ignored
func (b *Builder) AppendServices(services ...cdx.Service) *Builder {
	for _, s := range services {
		if b.seen(s.BOMRef) {
			continue
		}
		b.services = append(b.services, s)
	}
	return b
}

func (b *Builder) AppendVulnerabilities(vulns ...cdx.Vulnerability) *Builder {
	b.vulnerabilities = append(b.vulnerabilities, vulns...)
	return b
}

func (b *Builder) AppendProperties(properties ...cdx.Property) *Builder {
	b.properties = append(b.properties, properties...)
	return b
}

// AppendDependencies adds dependencies, those of an already known ref are
// merged
func (b *Builder) AppendDependencies(dependencies ...cdx.Dependency) *Builder {
	for _, d := range dependencies {
		idx := slices.IndexFunc(b.dependencies, func(e cdx.Dependency) bool { return e.Ref == d.Ref })
		if idx == -1 {
			b.dependencies = append(b.dependencies, d)
			continue
		}
		if d.Dependencies == nil {
			continue
		}
		have := b.dependencies[idx].Dependencies
		if have == nil {
			b.dependencies[idx].Dependencies = d.Dependencies
			continue
		}
		merged := slices.Clone(*have)
		for _, ref := range *d.Dependencies {
			if !slices.Contains(merged, ref) {
				merged = append(merged, ref)
			}
		}
		b.dependencies[idx].Dependencies = &merged
	}
	return b
}

// AppendScanResult adds hosts, services and vulnerabilities of a scan
func (b *Builder) AppendScanResult(ctx context.Context, sr model.ScanResult) *Builder {
	parts := cdxprops.ScanResult(ctx, sr)
	return b.AppendComponents(parts.Components...).
		AppendServices(parts.Services...).
		AppendDependencies(parts.Dependencies...).
		AppendVulnerabilities(parts.Vulnerabilities...)
}

func (b *Builder) seen(ref string) bool {
	if ref == "" {
		return false
	}
	if _, ok := b.refs[ref]; ok {
		return true
	}
	b.refs[ref] = struct{}{}
	return false
}

// BOM returns a cdx.BOM based on a data inside the Builder
func (b *Builder) BOM() cdx.BOM {
	bom := cdx.BOM{
		JSONSchema:   "https://cyclonedx.org/schema/bom-1.6.schema.json",
		BOMFormat:    "CycloneDX",
		SpecVersion:  cdx.SpecVersion1_6,
		SerialNumber: "urn:uuid:" + uuid.New().String(),
		Version:      1,
		Metadata: &cdx.Metadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Lifecycles: &[]cdx.Lifecycle{
				{
					Phase: "operations",
				},
			},
			Authors: &b.authors,
			// must not be nil, cdx fails to marshal ToolsChoice otherwise
			Component: &cdx.Component{
				Type:    cdx.ComponentTypeApplication,
				Name:    "PenKit",
				Version: version,
			},
		},
		Components:      &b.components,
		Services:        &b.services,
		Dependencies:    &b.dependencies,
		Vulnerabilities: &b.vulnerabilities,
		Properties:      &b.properties,
	}
	return bom
}

// AsJSON encode the BOM into JSON format
func (b *Builder) AsJSON(w io.Writer) error {
	bom := b.BOM()
	return cdx.NewBOMEncoder(w, cdx.BOMFileFormatJSON).SetPretty(true).Encode(&bom)
}
