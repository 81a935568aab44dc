package module

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"strconv"
	"time"

	"github.com/CZERTAINLY/Penkit/internal/log"
	"github.com/CZERTAINLY/Penkit/internal/model"
	"github.com/CZERTAINLY/Penkit/internal/sqlmap"
)

const (
	WebScannerName = "web_scanner"
	WebScanType    = "web_scan"

	ScanQuick    = "quick"
	ScanThorough = "thorough"
)

// SQLMapScanner is implemented by *sqlmap.Scanner
type SQLMapScanner interface {
	Available() bool
	ScanResult(ctx context.Context, scanType, targetURL string, opts sqlmap.ScanOptions) (model.ScanResult, sqlmap.Result, error)
}

type WebOptions struct {
	TargetURL  string
	Data       string
	Cookie     string
	UserAgent  string
	ScanLevel  int
	RiskLevel  int
	Forms      bool
	CrawlDepth int
	Threads    int
	Timeout    time.Duration
	ScanType   string
}

func DefaultWebOptions() WebOptions {
	return WebOptions{
		UserAgent: "PenKit Web Scanner",
		ScanLevel: 1,
		RiskLevel: 1,
		Forms:     true,
		Threads:   1,
		Timeout:   1800 * time.Second,
		ScanType:  ScanQuick,
	}
}

// WebScanner tests a web application for SQL injection with sqlmap
type WebScanner struct {
	sqlmap SQLMapScanner
	opts   WebOptions
	// explicit holds options changed by Set, only those override the
	// thorough profile
	explicit map[string]bool
}

func NewWebScanner(scanner SQLMapScanner) *WebScanner {
	return &WebScanner{
		sqlmap:   scanner,
		opts:     DefaultWebOptions(),
		explicit: map[string]bool{},
	}
}

func (w *WebScanner) Name() string        { return WebScannerName }
func (w *WebScanner) Description() string { return "Scan web applications for vulnerabilities" }
func (w *WebScanner) Config() WebOptions  { return w.opts }

func (w *WebScanner) Clone() Module {
	c := *w
	c.explicit = maps.Clone(w.explicit)
	return &c
}

func (w *WebScanner) Options() []OptionInfo { return w.options().info() }

func (w *WebScanner) Set(name, value string) error {
	if err := w.options().set(name, value); err != nil {
		return err
	}
	w.explicit[name] = true
	return nil
}

func (w *WebScanner) SetTarget(target string) error { return w.Set("target_url", target) }

func (w *WebScanner) options() options {
	o := &w.opts
	str := func(name, description string, field *string) option {
		return option{
			name: name, description: description,
			get: func() string { return *field },
			set: func(s string) error { *field = s; return nil },
		}
	}
	num := func(name, description string, field *int, lo, hi int) option {
		return option{
			name: name, description: description,
			get: func() string { return strconv.Itoa(*field) },
			set: func(s string) error {
				n, err := parseIntRange(s, lo, hi)
				if err != nil {
					return err
				}
				*field = n
				return nil
			},
		}
	}
	return options{
		{
			name: "target_url", description: "Target URL", required: true,
			get: func() string { return o.TargetURL },
			set: func(s string) error {
				u, err := url.Parse(s)
				if err != nil || u.Scheme == "" || u.Host == "" {
					return fmt.Errorf("%q is not an absolute URL", s)
				}
				o.TargetURL = s
				return nil
			},
		},
		str("data", "POST data", &o.Data),
		str("cookie", "HTTP Cookie header value", &o.Cookie),
		str("user_agent", "HTTP User-Agent header value", &o.UserAgent),
		num("scan_level", "Level of tests 1-5", &o.ScanLevel, 1, 5),
		num("risk_level", "Risk of tests 1-3", &o.RiskLevel, 1, 3),
		{
			name: "forms", description: "Parse and test forms",
			get: func() string { return strconv.FormatBool(o.Forms) },
			set: func(s string) error {
				b, err := parseBool(s)
				if err != nil {
					return err
				}
				o.Forms = b
				return nil
			},
		},
		num("crawl_depth", "Crawl depth, 0 disables crawling", &o.CrawlDepth, 0, 10),
		num("threads", "Concurrent HTTP requests", &o.Threads, 1, 10),
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
		{
			name: "scan_type", description: "quick or thorough",
			get: func() string { return o.ScanType },
			set: func(s string) error {
				t, err := oneOf(s, ScanQuick, ScanThorough)
				if err != nil {
					return err
				}
				o.ScanType = t
				return nil
			},
		},
	}
}

// ScanOptions returns sqlmap options of the selected profile. Request
// options are passed to both profiles. The thorough profile is overridden
// by the scan level, risk level and forms only when they were set.
func (w *WebScanner) ScanOptions() sqlmap.ScanOptions {
	o := w.opts
	overrides := []sqlmap.Option{
		sqlmap.WithData(o.Data),
		sqlmap.WithCookie(o.Cookie),
		sqlmap.WithUserAgent(o.UserAgent),
		sqlmap.WithTimeout(o.Timeout),
	}
	if o.CrawlDepth > 0 {
		overrides = append(overrides, sqlmap.WithCrawl(o.CrawlDepth))
	}
	if o.Threads > 1 {
		overrides = append(overrides, sqlmap.WithThreads(o.Threads))
	}
	if o.ScanType != ScanThorough {
		return sqlmap.QuickOptions(overrides...)
	}

	if w.explicit["scan_level"] {
		overrides = append(overrides, sqlmap.WithLevel(o.ScanLevel))
	}
	if w.explicit["risk_level"] {
		overrides = append(overrides, sqlmap.WithRisk(o.RiskLevel))
	}
	if w.explicit["forms"] {
		overrides = append(overrides, sqlmap.WithForms(o.Forms))
	}
	return sqlmap.ThoroughOptions(overrides...)
}

// WebReport is the web scanner report
type WebReport struct {
	TargetURL          string           `json:"target_url"`
	ScanType           string           `json:"scan_type"`
	Vulnerabilities    []sqlmap.Finding `json:"vulnerabilities"`
	Summary            map[string]any   `json:"summary"`
	VulnerabilityCount int              `json:"vulnerability_count"`
	VulnerabilityTypes map[string]int   `json:"vulnerability_types"`
}

func (w *WebScanner) Run(ctx context.Context) (Output, error) {
	if w.opts.TargetURL == "" {
		return Output{}, model.NewModuleError(WebScannerName, "Target URL must be specified", nil)
	}
	ctx = log.ContextAttrs(ctx, slog.String("module", WebScannerName), slog.String("scan_type", w.opts.ScanType))
	if !w.sqlmap.Available() {
		slog.WarnContext(ctx, "sqlmap is not available, the scan is going to fail")
	}

	sr, res, err := w.sqlmap.ScanResult(ctx, WebScanType, w.opts.TargetURL, w.ScanOptions())
	if err != nil {
		return Output{}, model.NewModuleError(WebScannerName, "Web vulnerability scan failed", err)
	}
	annotate(&sr, WebScannerName)
	sr.Metadata["profile"] = w.opts.ScanType

	vulns := res.Vulnerabilities
	if vulns == nil {
		vulns = []sqlmap.Finding{}
	}
	summary := res.Summary
	if summary == nil {
		summary = map[string]any{}
	}
	return Output{
		Scan: sr,
		Report: WebReport{
			TargetURL:          w.opts.TargetURL,
			ScanType:           w.opts.ScanType,
			Vulnerabilities:    vulns,
			Summary:            summary,
			VulnerabilityCount: len(vulns),
			VulnerabilityTypes: sqlmap.VulnerabilitySummary(res),
		},
	}, nil
}
