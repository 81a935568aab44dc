package cdxprops

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/Penkit/internal/model"

	cdx "github.com/CycloneDX/cyclonedx-go"
)

// HostRef returns the bom-ref of a host component
func HostRef(ip string) string {
	return "host/" + ip
}

// ServiceRef returns the bom-ref of a service listening on a host port
func ServiceRef(ip string, port model.Port) string {
	return fmt.Sprintf("service/%s:%d/%s", ip, port.Number, port.Protocol)
}

// HostComponent converts a host to a device component. The component
// name is the hostname if known, the IP address otherwise.
func HostComponent(h model.Host) cdx.Component {
	name := h.IPAddress
	if h.Hostname != nil && *h.Hostname != "" {
		name = *h.Hostname
	}
	compo := cdx.Component{
		BOMRef: HostRef(h.IPAddress),
		Type:   cdx.ComponentTypeDevice,
		Name:   name,
	}
	if h.OSInfo != nil {
		compo.Description = *h.OSInfo
	}
	SetComponentProp(&compo, PenkitHostStatus, string(h.Status))
	SetComponentProp(&compo, PenkitHostMACAddress, model.Deref(h.MACAddress))
	if vendor, ok := h.Metadata["mac_vendor"].(string); ok {
		SetComponentProp(&compo, PenkitHostMACVendor, vendor)
	}
	SetComponentProp(&compo, PenkitHostOS, model.Deref(h.OSInfo))
	SetComponentProp(&compo, PenkitHostFirstSeen, formatTime(h.FirstSeen))
	SetComponentProp(&compo, PenkitHostLastSeen, formatTime(h.LastSeen))
	SetComponentProp(&compo, PenkitHostNotes, model.Deref(h.Notes))
	AddProps(&compo.Properties, PenkitHostTag, h.Tags...)
	AddEvidenceLocation(&compo, h.IPAddress)
	return compo
}

// PortServices converts the open ports of a host to services. Ports in
// other states are skipped.
func PortServices(ctx context.Context, h model.Host) []cdx.Service {
	ret := make([]cdx.Service, 0, len(h.OpenPorts))
	for _, p := range h.OpenPorts {
		if !p.IsOpen() {
			slog.DebugContext(ctx, "port is not open: skipping", "host", h.IPAddress, "port", p.Number, "state", p.State)
			continue
		}
		ret = append(ret, portService(h.IPAddress, p))
	}
	return ret
}

func portService(ip string, p model.Port) cdx.Service {
	name := model.Deref(p.Service)
	if name == "" {
		name = p.Protocol + "/" + strconv.Itoa(p.Number)
	}
	svc := cdx.Service{
		BOMRef:    ServiceRef(ip, p),
		Name:      name,
		Version:   model.Deref(p.Version),
		Endpoints: &[]string{endpoint(ip, p)},
	}
	SetProp(&svc.Properties, PenkitServicePort, strconv.Itoa(p.Number))
	SetProp(&svc.Properties, PenkitServiceProtocol, p.Protocol)
	SetProp(&svc.Properties, PenkitServiceState, p.State)
	SetProp(&svc.Properties, PenkitServiceBanner, model.Deref(p.Banner))
	SetProp(&svc.Properties, PenkitServiceNotes, model.Deref(p.Notes))
	if tunnel, ok := p.Metadata["tunnel"].(string); ok {
		SetProp(&svc.Properties, PenkitServiceTunnel, tunnel)
	}
	return svc
}

// endpoint returns an URL like endpoint, e.g. https://10.0.0.1:443 for a
// tunneled http service or tcp://10.0.0.1:22
func endpoint(ip string, p model.Port) string {
	scheme := strings.ToLower(p.Protocol)
	if scheme == "" {
		scheme = "tcp"
	}
	switch svc := model.Deref(p.Service); {
	case svc == "http" || svc == "https":
		scheme = svc
		if tunnel, _ := p.Metadata["tunnel"].(string); svc == "http" && tunnel == "ssl" {
			scheme = "https"
		}
	}
	return fmt.Sprintf("%s://%s:%d", scheme, ip, p.Number)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
