package nmap

import (
	"github.com/CZERTAINLY/Penkit/internal/model"
)

// HostSummary counts hosts in a report, every host which is not up is
// counted as down
func HostSummary(r Result) (total, up, down int) {
	total = len(r.Hosts)
	for _, h := range r.Hosts {
		if h.Status == model.HostUp {
			up++
		}
	}
	return total, up, total - up
}

// PortSummary maps a port number to the number of hosts reporting it open
func PortSummary(r Result) map[int]int {
	ret := make(map[int]int)
	for _, h := range r.Hosts {
		seen := make(map[int]struct{})
		for _, p := range h.OpenPorts {
			if !p.IsOpen() || p.Number <= 0 {
				continue
			}
			// tcp and udp of the same number count once per host
			if _, ok := seen[p.Number]; ok {
				continue
			}
			seen[p.Number] = struct{}{}
			ret[p.Number]++
		}
	}
	return ret
}

// ScanResult converts the report to the tool independent form
func (r Result) ScanResult(scanType, target string, tr model.ToolResult) model.ScanResult {
	sr := model.NewScanResult(scanType, target, tr)
	sr.Hosts = append(sr.Hosts, r.Hosts...)
	if r.ScanInfo.Version != "" {
		sr.Metadata["nmap_version"] = r.ScanInfo.Version
	}
	if f := r.ScanInfo.Finished; f != nil {
		sr.Metadata["summary"] = f.Summary
		sr.Metadata["elapsed"] = f.Elapsed
	}
	if len(r.Skipped) > 0 {
		sr.Metadata["skipped"] = len(r.Skipped)
	}
	return sr
}
