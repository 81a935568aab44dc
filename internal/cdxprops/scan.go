package cdxprops

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/CZERTAINLY/Penkit/internal/model"

	cdx "github.com/CycloneDX/cyclonedx-go"
)

// Parts are the CycloneDX counterparts of one scan result
type Parts struct {
	Components      []cdx.Component
	Services        []cdx.Service
	Dependencies    []cdx.Dependency
	Vulnerabilities []cdx.Vulnerability
}

// ScanResult converts hosts to device components, their open ports to
// services and vulnerabilities to CycloneDX vulnerabilities. A host
// depends on its services. A vulnerability affects the named ports of a
// host, the host itself when no open port matches, or an application
// component created for an affected target which is not a discovered host,
// typically an URL.
func ScanResult(ctx context.Context, sr model.ScanResult) Parts {
	ret := Parts{
		Components:      make([]cdx.Component, 0, len(sr.Hosts)),
		Services:        []cdx.Service{},
		Dependencies:    []cdx.Dependency{},
		Vulnerabilities: make([]cdx.Vulnerability, 0, len(sr.Vulnerabilities)),
	}

	hosts := make(map[string]model.Host, len(sr.Hosts))
	for _, h := range sr.Hosts {
		if _, ok := hosts[h.IPAddress]; ok {
			slog.WarnContext(ctx, "duplicate host: skipping", "ip", h.IPAddress)
			continue
		}
		hosts[h.IPAddress] = h

		compo := HostComponent(h)
		SetComponentProp(&compo, PenkitScanType, sr.ScanType)
		ret.Components = append(ret.Components, compo)

		services := PortServices(ctx, h)
		if len(services) == 0 {
			continue
		}
		refs := make([]string, 0, len(services))
		for _, svc := range services {
			refs = append(refs, svc.BOMRef)
		}
		ret.Services = append(ret.Services, services...)
		ret.Dependencies = append(ret.Dependencies, cdx.Dependency{
			Ref:          compo.BOMRef,
			Dependencies: &refs,
		})
	}

	targets := map[string]bool{}
	for _, v := range sr.Vulnerabilities {
		affects := affectedRefs(v, hosts)
		if len(affects) == 0 {
			others := v.AffectedHosts
			if len(others) == 0 && sr.Target != "" {
				others = []string{sr.Target}
			}
			for _, t := range others {
				if _, ok := hosts[t]; ok {
					continue
				}
				if !targets[t] {
					targets[t] = true
					ret.Components = append(ret.Components, targetComponent(t, sr.ScanType))
				}
				affects = append(affects, targetRef(t))
			}
		}
		ret.Vulnerabilities = append(ret.Vulnerabilities, Vulnerability(v, affects...))
	}
	return ret
}

func targetComponent(target, scanType string) cdx.Component {
	compo := cdx.Component{
		BOMRef: targetRef(target),
		Type:   cdx.ComponentTypeApplication,
		Name:   target,
	}
	SetComponentProp(&compo, PenkitScanTarget, target)
	SetComponentProp(&compo, PenkitScanType, scanType)
	return compo
}

func sortProps(props []cdx.Property) {
	slices.SortStableFunc(props, func(a, b cdx.Property) int {
		return strings.Compare(a.Name, b.Name)
	})
}
