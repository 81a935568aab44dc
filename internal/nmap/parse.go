package nmap

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/Penkit/internal/log"
	"github.com/CZERTAINLY/Penkit/internal/model"
)

var (
	ErrNoIPv4      = errors.New("host has no ipv4 address")
	ErrInvalidPort = errors.New("invalid port")
	ErrNoRoot      = errors.New("nmaprun element not found")
)

// Result is the decoded nmap XML report
type Result struct {
	ScanInfo ScanInfo     `json:"scan_info"`
	Hosts    []model.Host `json:"hosts"`
	// Skipped lists report fragments which could not be converted
	Skipped []Skipped `json:"skipped,omitempty"`
}

type ScanInfo struct {
	Scanner  string    `json:"scanner,omitempty"`
	Version  string    `json:"version,omitempty"`
	Args     string    `json:"args,omitempty"`
	Start    string    `json:"start,omitempty"`
	Finished *Finished `json:"finished,omitempty"`
}

type Finished struct {
	Time    string `json:"time,omitempty"`
	TimeStr string `json:"timestr,omitempty"`
	Elapsed string `json:"elapsed,omitempty"`
	Exit    string `json:"exit,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// Skipped describes a host, port or the rest of a document which was ignored
type Skipped struct {
	Element string `json:"element"`
	Index   int    `json:"index"`
	Host    string `json:"host,omitempty"`
	Reason  string `json:"reason"`
}

type xmlHost struct {
	StartTime string        `xml:"starttime,attr"`
	EndTime   string        `xml:"endtime,attr"`
	Status    xmlStatus     `xml:"status"`
	Addresses []xmlAddress  `xml:"address"`
	Hostnames []xmlHostname `xml:"hostnames>hostname"`
	Ports     []xmlPort     `xml:"ports>port"`
	OSMatches []xmlOSMatch  `xml:"os>osmatch"`
}

type xmlStatus struct {
	State  string `xml:"state,attr"`
	Reason string `xml:"reason,attr"`
}

type xmlAddress struct {
	Addr     string `xml:"addr,attr"`
	AddrType string `xml:"addrtype,attr"`
	Vendor   string `xml:"vendor,attr"`
}

type xmlHostname struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

type xmlPort struct {
	Protocol string      `xml:"protocol,attr"`
	PortID   string      `xml:"portid,attr"`
	State    *xmlStatus  `xml:"state"`
	Service  *xmlService `xml:"service"`
	Scripts  []xmlScript `xml:"script"`
}

type xmlService struct {
	Name      string `xml:"name,attr"`
	Product   string `xml:"product,attr"`
	Version   string `xml:"version,attr"`
	ExtraInfo string `xml:"extrainfo,attr"`
	Tunnel    string `xml:"tunnel,attr"`
}

type xmlScript struct {
	ID     string `xml:"id,attr"`
	Output string `xml:"output,attr"`
}

type xmlOSMatch struct {
	Name     string `xml:"name,attr"`
	Accuracy string `xml:"accuracy,attr"`
}

type xmlRunstats struct {
	Finished *xmlFinished `xml:"finished"`
}

type xmlFinished struct {
	Time    string `xml:"time,attr"`
	TimeStr string `xml:"timestr,attr"`
	Elapsed string `xml:"elapsed,attr"`
	Exit    string `xml:"exit,attr"`
	Summary string `xml:"summary,attr"`
}

type xmlScanner struct {
	Name    string `xml:"name,attr"`
	Version string `xml:"version,attr"`
}

// ParseXML decodes an nmap XML report. Hosts without an IPv4 address and
// ports with a missing or invalid number are skipped and reported in
// Result.Skipped. A document truncated in the middle keeps hosts decoded so
// far. An error is returned only when the nmaprun root can't be found or
// the document is broken before any host could be decoded.
func ParseXML(ctx context.Context, r io.Reader) (Result, error) {
	dec := xml.NewDecoder(r)

	root, err := findRoot(dec)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		ScanInfo: ScanInfo{
			Scanner: attr(root, "scanner"),
			Version: attr(root, "version"),
			Args:    attr(root, "args"),
			Start:   attr(root, "startstr"),
		},
		Hosts: []model.Host{},
	}

	var hostIdx int
	var docErr error
loop:
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			docErr = err
			break
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "host":
			idx := hostIdx
			hostIdx++
			var xh xmlHost
			if err := dec.DecodeElement(&xh, &se); err != nil {
				docErr = fmt.Errorf("host %d: %w", idx, err)
				break loop
			}
			host, skipped, err := xh.toHost(idx)
			res.Skipped = append(res.Skipped, skipped...)
			if err != nil {
				res.Skipped = append(res.Skipped, Skipped{
					Element: "host",
					Index:   idx,
					Reason:  err.Error(),
				})
				continue
			}
			res.Hosts = append(res.Hosts, host)
		case "runstats":
			var rs xmlRunstats
			if err := dec.DecodeElement(&rs, &se); err != nil {
				docErr = fmt.Errorf("runstats: %w", err)
				break loop
			}
			if f := rs.Finished; f != nil {
				res.ScanInfo.Finished = &Finished{
					Time:    f.Time,
					TimeStr: f.TimeStr,
					Elapsed: f.Elapsed,
					Exit:    f.Exit,
					Summary: f.Summary,
				}
			}
		case "scanner":
			var s xmlScanner
			if err := dec.DecodeElement(&s, &se); err != nil {
				docErr = fmt.Errorf("scanner: %w", err)
				break loop
			}
			if s.Name != "" {
				res.ScanInfo.Scanner = s.Name
			}
			if s.Version != "" {
				res.ScanInfo.Version = s.Version
			}
		default:
			if err := dec.Skip(); err != nil {
				docErr = fmt.Errorf("%s: %w", se.Name.Local, err)
				break loop
			}
		}
	}

	if docErr != nil {
		if len(res.Hosts) == 0 {
			return Result{}, fmt.Errorf("decoding nmap XML: %w", docErr)
		}
		res.Skipped = append(res.Skipped, Skipped{
			Element: "document",
			Index:   hostIdx,
			Reason:  docErr.Error(),
		})
	}

	for _, s := range res.Skipped {
		lctx := log.ContextAttrs(ctx, slog.String("element", s.Element), slog.Int("index", s.Index))
		slog.WarnContext(lctx, "nmap report fragment skipped", "host", s.Host, "reason", s.Reason)
	}
	return res, nil
}

func findRoot(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, fmt.Errorf("%w: %w", ErrNoRoot, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if se.Name.Local != "nmaprun" {
			return xml.StartElement{}, fmt.Errorf("%w: unexpected root element %q", ErrNoRoot, se.Name.Local)
		}
		return se, nil
	}
}

func attr(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func (h xmlHost) toHost(idx int) (model.Host, []Skipped, error) {
	var ipv4 string
	var mac, vendor string
	for _, a := range h.Addresses {
		switch a.AddrType {
		case "ipv4":
			if ipv4 == "" {
				ipv4 = a.Addr
			}
		case "mac":
			mac, vendor = a.Addr, a.Vendor
		}
	}
	if ipv4 == "" {
		return model.Host{}, nil, ErrNoIPv4
	}

	host := model.Host{
		IPAddress:  ipv4,
		MACAddress: model.Ptr(mac),
		Status:     model.ParseHostStatus(h.Status.State),
		OpenPorts:  []model.Port{},
		FirstSeen:  unixTime(h.StartTime),
		LastSeen:   unixTime(h.EndTime),
	}
	host.Hostname = model.Ptr(h.hostname())
	if len(h.OSMatches) > 0 {
		host.OSInfo = model.Ptr(h.OSMatches[0].Name)
	}
	meta := map[string]any{}
	if vendor != "" {
		meta["mac_vendor"] = vendor
	}
	if h.Status.Reason != "" {
		meta["status_reason"] = h.Status.Reason
	}
	if len(h.OSMatches) > 0 && h.OSMatches[0].Accuracy != "" {
		meta["os_accuracy"] = h.OSMatches[0].Accuracy
	}
	if len(meta) > 0 {
		host.Metadata = meta
	}

	var skipped []Skipped
	for pIdx, xp := range h.Ports {
		port, err := xp.toPort()
		if err != nil {
			skipped = append(skipped, Skipped{
				Element: "port",
				Index:   pIdx,
				Host:    ipv4,
				Reason:  err.Error(),
			})
			continue
		}
		host.OpenPorts = append(host.OpenPorts, port)
	}
	return host, skipped, nil
}

// hostname returns the first user supplied hostname, the first resolved
// one otherwise
func (h xmlHost) hostname() string {
	for _, hn := range h.Hostnames {
		if hn.Type == "user" {
			return hn.Name
		}
	}
	if len(h.Hostnames) > 0 {
		return h.Hostnames[0].Name
	}
	return ""
}

func (xp xmlPort) toPort() (model.Port, error) {
	id := strings.TrimSpace(xp.PortID)
	if id == "" {
		return model.Port{}, fmt.Errorf("%w: missing portid", ErrInvalidPort)
	}
	number, err := strconv.Atoi(id)
	if err != nil || number < 1 || number > 65535 {
		return model.Port{}, fmt.Errorf("%w: portid %q", ErrInvalidPort, id)
	}
	// a missing protocol is kept empty
	port := model.NewPort(number, strings.TrimSpace(xp.Protocol))
	port.State = model.PortUnknown
	meta := map[string]any{}
	if xp.State != nil {
		if xp.State.State != "" {
			port.State = xp.State.State
		}
		if xp.State.Reason != "" {
			meta["reason"] = xp.State.Reason
		}
	}
	if s := xp.Service; s != nil {
		port.Service = model.Ptr(s.Name)
		port.Version = model.Ptr(joinNonEmpty(s.Product, s.Version))
		if s.Product != "" {
			meta["product"] = s.Product
		}
		if s.ExtraInfo != "" {
			meta["extrainfo"] = s.ExtraInfo
		}
		if s.Tunnel != "" {
			meta["tunnel"] = s.Tunnel
		}
	}
	if len(xp.Scripts) > 0 {
		scripts := make(map[string]string, len(xp.Scripts))
		for _, s := range xp.Scripts {
			if s.ID == "banner" {
				port.Banner = model.Ptr(s.Output)
			}
			scripts[s.ID] = s.Output
		}
		meta["scripts"] = scripts
	}
	if len(meta) > 0 {
		port.Metadata = meta
	}
	return port, nil
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

func unixTime(s string) time.Time {
	sec, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
