package module

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/Penkit/internal/log"
	"github.com/CZERTAINLY/Penkit/internal/model"
	"github.com/CZERTAINLY/Penkit/internal/nmap"
)

const (
	PortScannerName = "port_scanner"
	PortScanType    = "port_scan"

	FormatNormal  = "normal"
	FormatMinimal = "minimal"
)

// NmapScanner is implemented by *nmap.Scanner
type NmapScanner interface {
	Available() bool
	ScanResult(ctx context.Context, scanType, target string, opts nmap.ScanOptions) (model.ScanResult, nmap.Result, error)
}

// PortOptions are the options of the port scanner
type PortOptions struct {
	Target           string
	Ports            string
	ScanType         string
	Timing           int
	OutputFormat     string
	ServiceDetection bool
	ScriptScan       bool
	ShowOnlyOpen     bool
	Timeout          time.Duration
}

func DefaultPortOptions() PortOptions {
	return PortOptions{
		Ports:            "1-1000",
		ScanType:         "tcp",
		Timing:           4,
		OutputFormat:     FormatNormal,
		ServiceDetection: true,
		Timeout:          600 * time.Second,
	}
}

var portsPattern = regexp.MustCompile(`^(?:[TUS]:)?\d+(?:-\d+)?(?:,(?:[TUS]:)?\d+(?:-\d+)?)*$`)

// parsePorts validates an nmap port list like 22,80,U:53,8000-8100. Every
// port must be in [1, 65535] and ranges must not be reversed. A lone "-"
// selects all ports.
func parsePorts(s string) (string, error) {
	if s == "-" {
		return s, nil
	}
	if !portsPattern.MatchString(s) {
		return "", fmt.Errorf("%q is not a port list", s)
	}
	for elem := range strings.SplitSeq(s, ",") {
		if _, after, ok := strings.Cut(elem, ":"); ok {
			elem = after
		}
		lo, hi, isRange := strings.Cut(elem, "-")
		first, err := parseIntRange(lo, 1, 65535)
		if err != nil {
			return "", fmt.Errorf("port %w", err)
		}
		if !isRange {
			continue
		}
		last, err := parseIntRange(hi, 1, 65535)
		if err != nil {
			return "", fmt.Errorf("port %w", err)
		}
		if first > last {
			return "", fmt.Errorf("reversed port range %q", elem)
		}
	}
	return s, nil
}

// ScanTypeFlag maps a scan type to the nmap flag, unknown types have none
func ScanTypeFlag(scanType string) string {
	switch scanType {
	case "tcp":
		return "-sT"
	case "syn":
		return "-sS"
	case "udp":
		return "-sU"
	default:
		return ""
	}
}

// PortScanner scans a target for open ports with nmap
type PortScanner struct {
	nmap NmapScanner
	opts PortOptions
}

func NewPortScanner(scanner NmapScanner) *PortScanner {
	return &PortScanner{
		nmap: scanner,
		opts: DefaultPortOptions(),
	}
}

func (p *PortScanner) Name() string        { return PortScannerName }
func (p *PortScanner) Description() string { return "Scan for open ports on target systems" }
func (p *PortScanner) Config() PortOptions { return p.opts }

func (p *PortScanner) Clone() Module {
	c := *p
	return &c
}

func (p *PortScanner) Options() []OptionInfo { return p.options().info() }

func (p *PortScanner) Set(name, value string) error { return p.options().set(name, value) }

func (p *PortScanner) SetTarget(target string) error { return p.Set("target", target) }

func (p *PortScanner) options() options {
	o := &p.opts
	return options{
		{
			name: "target", description: "Target host, network or range", required: true,
			get: func() string { return o.Target },
			set: func(s string) error {
				if s == "" {
					return fmt.Errorf("empty target")
				}
				o.Target = s
				return nil
			},
		},
		{
			name: "ports", description: "Ports to scan, e.g. 22,80,1-1000",
			get: func() string { return o.Ports },
			set: func(s string) error {
				ports, err := parsePorts(s)
				if err != nil {
					return err
				}
				o.Ports = ports
				return nil
			},
		},
		{
			name: "scan_type", description: "tcp, syn or udp",
			get: func() string { return o.ScanType },
			set: func(s string) error {
				t, err := oneOf(s, "tcp", "syn", "udp")
				if err != nil {
					return err
				}
				o.ScanType = t
				return nil
			},
		},
		{
			name: "timing", description: "Timing template 0-5",
			get: func() string { return strconv.Itoa(o.Timing) },
			set: func(s string) error {
				n, err := parseIntRange(s, 0, 5)
				if err != nil {
					return err
				}
				o.Timing = n
				return nil
			},
		},
		{
			name: "output_format", description: "normal or minimal",
			get: func() string { return o.OutputFormat },
			set: func(s string) error {
				f, err := oneOf(s, FormatNormal, FormatMinimal)
				if err != nil {
					return err
				}
				o.OutputFormat = f
				return nil
			},
		},
		{
			name: "service_detection", description: "Detect service versions",
			get: func() string { return strconv.FormatBool(o.ServiceDetection) },
			set: func(s string) error {
				b, err := parseBool(s)
				if err != nil {
					return err
				}
				o.ServiceDetection = b
				return nil
			},
		},
		{
			name: "script_scan", description: "Run the default scripts",
			get: func() string { return strconv.FormatBool(o.ScriptScan) },
			set: func(s string) error {
				b, err := parseBool(s)
				if err != nil {
					return err
				}
				o.ScriptScan = b
				return nil
			},
		},
		{
			name: "show_only_open", description: "Report only open ports",
			get: func() string { return strconv.FormatBool(o.ShowOnlyOpen) },
			set: func(s string) error {
				b, err := parseBool(s)
				if err != nil {
					return err
				}
				o.ShowOnlyOpen = b
				return nil
			},
		},
		{
			name: "timeout", description: "Scan timeout in seconds",
			get: func() string { return formatTimeout(o.Timeout) },
			set: func(s string) error {
				d, err := parseTimeout(s)
				if err != nil {
					return err
				}
				o.Timeout = d
				return nil
			},
		},
	}
}

// ScanOptions translates the module options to nmap options
func (o PortOptions) ScanOptions() nmap.ScanOptions {
	so := nmap.ScanOptions{
		Ports:            o.Ports,
		ServiceDetection: o.ServiceDetection,
		Timing:           o.Timing,
		Timeout:          o.Timeout,
	}
	if o.ScriptScan {
		so.Script = "default"
	}
	if flag := ScanTypeFlag(o.ScanType); flag != "" {
		so.Args = append(so.Args, flag)
	}
	if o.ShowOnlyOpen {
		so.Args = append(so.Args, "--open")
	}
	return so
}

// Run scans the target. The report is the nmap.Result, or a MinimalReport
// for the minimal output format.
func (p *PortScanner) Run(ctx context.Context) (Output, error) {
	if p.opts.Target == "" {
		return Output{}, model.NewModuleError(PortScannerName, "Target must be specified", nil)
	}
	ctx = log.ContextAttrs(ctx, slog.String("module", PortScannerName))
	if !p.nmap.Available() {
		slog.WarnContext(ctx, "nmap is not available, the scan is going to fail")
	}

	sr, res, err := p.nmap.ScanResult(ctx, PortScanType, p.opts.Target, p.opts.ScanOptions())
	if err != nil {
		return Output{}, model.NewModuleError(PortScannerName, "Port scan failed", err)
	}
	annotate(&sr, PortScannerName)

	var report any = res
	if p.opts.OutputFormat == FormatMinimal {
		report = Minimal(p.opts.Target, res)
	}
	return Output{Scan: sr, Report: report}, nil
}

type MinimalReport struct {
	Target string        `json:"target"`
	Hosts  []MinimalHost `json:"hosts"`
}

type MinimalHost struct {
	IP        string        `json:"ip"`
	Hostname  *string       `json:"hostname"`
	OpenPorts []MinimalPort `json:"open_ports"`
}

type MinimalPort struct {
	Port     int     `json:"port"`
	Service  *string `json:"service"`
	Protocol string  `json:"protocol"`
	Version  *string `json:"version"`
	Banner   *string `json:"banner"`
}

// Minimal strips a report down to hosts and their ports in the open state
func Minimal(target string, res nmap.Result) MinimalReport {
	ret := MinimalReport{
		Target: target,
		Hosts:  make([]MinimalHost, 0, len(res.Hosts)),
	}
	for _, h := range res.Hosts {
		mh := MinimalHost{
			IP:        h.IPAddress,
			Hostname:  h.Hostname,
			OpenPorts: []MinimalPort{},
		}
		for _, p := range h.OpenPorts {
			if p.State != model.PortOpen {
				continue
			}
			mh.OpenPorts = append(mh.OpenPorts, MinimalPort{
				Port:     p.Number,
				Service:  p.Service,
				Protocol: p.Protocol,
				Version:  p.Version,
				Banner:   p.Banner,
			})
		}
		ret.Hosts = append(ret.Hosts, mh)
	}
	return ret
}
