package sqlmap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/CZERTAINLY/Penkit/internal/model"
	"github.com/dlclark/regexp2"
)

// Source tells which stage produced a Result
type Source string

const (
	SourceResultsFile Source = "results_file"
	SourceStdoutJSON  Source = "stdout_json"
	SourceText        Source = "text"
)

var (
	ErrNoOutput = errors.New("no output from sqlmap")
	ErrNoData   = errors.New("json report has no data object")
)

// Finding is one injectable (url, type) pair. SQL injection is always
// reported with the high severity.
type Finding struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Severity    model.Severity `json:"severity"`
	URL         string         `json:"url,omitempty"`
	Parameter   string         `json:"parameter,omitempty"`
	Place       string         `json:"place,omitempty"`
	Type        string         `json:"type"`
	Payload     string         `json:"payload,omitempty"`
	Details     any            `json:"details,omitempty"`
}

type Result struct {
	Vulnerabilities []Finding      `json:"vulnerabilities"`
	Summary         map[string]any `json:"summary"`
	RawOutput       string         `json:"raw_output,omitempty"`
	Source          Source         `json:"source"`
}

func newFinding(url, typ string) Finding {
	desc := "SQL Injection vulnerability found"
	if url != "" {
		desc += " in " + url
	}
	return Finding{
		Title:       fmt.Sprintf("SQL Injection (%s)", typ),
		Description: desc,
		Severity:    model.SeverityHigh,
		URL:         url,
		Type:        typ,
	}
}

type jsonReport struct {
	Data *struct {
		Vulnerable map[string]map[string]json.RawMessage `json:"vulnerable"`
		Stats      map[string]any                        `json:"stats"`
	} `json:"data"`
}

// ProcessJSON converts a sqlmap JSON report. Findings are sorted by url
// and type, so the same report always yields the same Result.
func ProcessJSON(raw []byte) (Result, error) {
	var rep jsonReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		return Result{}, fmt.Errorf("decoding sqlmap json: %w", err)
	}
	if rep.Data == nil {
		return Result{}, ErrNoData
	}

	res := Result{
		Vulnerabilities: []Finding{},
		Summary:         map[string]any{},
		Source:          SourceStdoutJSON,
	}
	for k, v := range rep.Data.Stats {
		res.Summary[k] = v
	}

	urls := make([]string, 0, len(rep.Data.Vulnerable))
	for url := range rep.Data.Vulnerable {
		urls = append(urls, url)
	}
	slices.Sort(urls)

	for _, url := range urls {
		types := rep.Data.Vulnerable[url]
		names := make([]string, 0, len(types))
		for typ := range types {
			names = append(names, typ)
		}
		slices.Sort(names)

		for _, typ := range names {
			f := newFinding(url, typ)
			var details any
			if err := json.Unmarshal(types[typ], &details); err == nil && details != nil {
				f.Details = details
				if m, ok := details.(map[string]any); ok {
					f.Parameter, _ = m["parameter"].(string)
					f.Payload, _ = m["payload"].(string)
				}
			}
			res.Vulnerabilities = append(res.Vulnerabilities, f)
		}
	}
	return res, nil
}

// maxJSONCandidates bounds the number of '{' positions tried in stdout
const maxJSONCandidates = 64

// embeddedReport finds the first JSON object in s which decodes as a sqlmap
// report. Text before and after the object is ignored.
func embeddedReport(s string) (Result, bool) {
	off := 0
	for range maxJSONCandidates {
		i := strings.IndexByte(s[off:], '{')
		if i < 0 {
			return Result{}, false
		}
		off += i
		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(s[off:])).Decode(&raw); err == nil {
			if res, err := ProcessJSON(raw); err == nil {
				return res, true
			}
		}
		off++
	}
	return Result{}, false
}

const textOpts = regexp2.IgnoreCase | regexp2.Multiline

var (
	urlPattern = mustCompile(`(?:^\s*(?:target\s+)?URL:\s*|\btesting\s+URL\s+)(?<q>['"]?)(?<url>[^'"\s]+)\k<q>`)
	// parameter 'id' is vulnerable to 'error-based'
	vulnerableTo = mustCompile(`\bparameter\s+(?<pq>['"]?)(?<param>[^'"\s]+)\k<pq>.*?\bis\s+vulnerable\s+to\s+(?<tq>['"]?)(?<type>[^'"\r\n]+?)\k<tq>\s*\.?\s*$`)
	// GET parameter 'id' appears to be 'AND boolean-based blind' injectable
	appearsInjectable = mustCompile(`\b(?<place>GET|POST|URI|Cookie|User-Agent|Referer|Host)?\s*parameter\s+(?<pq>['"]?)(?<param>[^'"\s]+)\k<pq>\s+(?:appears\s+to\s+be|is)\s+(?<tq>['"]?)(?<type>[^'"\r\n]+?)\k<tq>\s+injectable`)
	// the injection point block printed at the end of a scan
	injectionPoint = mustCompile(`^\s*Parameter:\s*(?<param>[^\s(]+)\s*(?:\((?<place>[^)]+)\))?\s*$`)
	pointType      = mustCompile(`^\s*Type:\s*(?<type>.+?)\s*$`)
	pointPayload   = mustCompile(`^\s*Payload:\s*(?<payload>.+?)\s*$`)
	elapsedPattern = mustCompile(`\b(?:elapsed(?:\s+time)?|scan(?:ned)?\s+in|scan\s+time|took)\s*[:=]?\s*(?<elapsed>\d+(?::\d{2}){1,2}|\d+(?:\.\d+)?\s*(?:seconds|secs?|s|minutes|mins?|m)\b)`)
	completed      = mustCompile(`scan\s+completed`)
)

func mustCompile(pattern string) *regexp2.Regexp {
	re := regexp2.MustCompile(pattern, textOpts)
	re.MatchTimeout = time.Second
	return re
}

type textParser struct {
	res  Result
	seen map[string]struct{}
	// tentative marks findings from "appears to be injectable" lines, they
	// are replaced by the injection point block of the same parameter
	tentative []bool
	points    map[string]struct{}
}

// ParseText extracts findings from the human readable sqlmap output. It
// never fails, an output without a recognizable finding yields an empty
// Result. Findings appearing before any URL line carry an empty URL.
func ParseText(output string) Result {
	p := textParser{
		res: Result{
			Vulnerabilities: []Finding{},
			Summary:         map[string]any{},
			Source:          SourceText,
		},
		seen:   map[string]struct{}{},
		points: map[string]struct{}{},
	}

	var url string
	var point *Finding
	for line := range strings.Lines(output) {
		line = strings.TrimRight(line, "\r\n")

		if m := match(urlPattern, line); m != nil {
			url = group(m, "url")
			point = nil
			continue
		}
		if m := match(injectionPoint, line); m != nil {
			point = &Finding{Parameter: group(m, "param"), Place: group(m, "place")}
			continue
		}
		if point != nil {
			if m := match(pointType, line); m != nil {
				f := newFinding(url, group(m, "type"))
				f.Parameter, f.Place = point.Parameter, point.Place
				p.points[f.URL+"\x00"+f.Parameter] = struct{}{}
				p.add(f, false)
				continue
			}
			if m := match(pointPayload, line); m != nil {
				p.setPayload(url, point.Parameter, group(m, "payload"))
				continue
			}
		}
		if m := match(vulnerableTo, line); m != nil {
			f := newFinding(url, group(m, "type"))
			f.Parameter = group(m, "param")
			p.add(f, false)
			continue
		}
		if m := match(appearsInjectable, line); m != nil {
			f := newFinding(url, group(m, "type"))
			f.Parameter, f.Place = group(m, "param"), group(m, "place")
			p.add(f, true)
		}
	}

	p.dropTentative()
	p.res.Summary["vulnerabilities_found"] = len(p.res.Vulnerabilities)
	ok, _ := completed.MatchString(output)
	p.res.Summary["scan_completed"] = ok
	if m, _ := elapsedPattern.FindStringMatch(output); m != nil {
		p.res.Summary["elapsed"] = group(m, "elapsed")
	}
	return p.res
}

func (p *textParser) add(f Finding, tentative bool) {
	key := f.URL + "\x00" + f.Parameter + "\x00" + strings.ToLower(f.Type)
	if _, ok := p.seen[key]; ok {
		return
	}
	p.seen[key] = struct{}{}
	p.res.Vulnerabilities = append(p.res.Vulnerabilities, f)
	p.tentative = append(p.tentative, tentative)
}

func (p *textParser) dropTentative() {
	kept := p.res.Vulnerabilities[:0]
	for i, f := range p.res.Vulnerabilities {
		if _, ok := p.points[f.URL+"\x00"+f.Parameter]; ok && p.tentative[i] {
			continue
		}
		kept = append(kept, f)
	}
	p.res.Vulnerabilities = kept
	p.tentative = nil
}

// setPayload attaches payload to the last finding of the parameter
func (p *textParser) setPayload(url, param, payload string) {
	for i := len(p.res.Vulnerabilities) - 1; i >= 0; i-- {
		f := &p.res.Vulnerabilities[i]
		if f.URL == url && f.Parameter == param {
			if f.Payload == "" {
				f.Payload = payload
			}
			return
		}
	}
}

func match(re *regexp2.Regexp, s string) *regexp2.Match {
	m, err := re.FindStringMatch(s)
	if err != nil {
		return nil
	}
	return m
}

func group(m *regexp2.Match, name string) string {
	g := m.GroupByName(name)
	if g == nil {
		return ""
	}
	return strings.TrimSpace(g.String())
}

// ParseOutput is the parser used while sqlmap runs: the embedded JSON report
// first, text patterns when stdout has no decodable report. It fails only
// when there is no output at all.
func ParseOutput(stdout, stderr string) (Result, error) {
	if stdout == "" && stderr == "" {
		return Result{}, ErrNoOutput
	}
	if res, ok := embeddedReport(stdout); ok {
		res.RawOutput = stdout
		return res, nil
	}
	res := ParseText(stdout)
	res.RawOutput = stdout
	return res, nil
}

// VulnerabilitySummary counts findings by their type
func VulnerabilitySummary(r Result) map[string]int {
	ret := make(map[string]int)
	for _, f := range r.Vulnerabilities {
		typ := f.Type
		if typ == "" {
			typ = "unknown"
		}
		ret[typ]++
	}
	return ret
}

// ScanResult converts the report to the tool independent form
func (r Result) ScanResult(scanType, target string, tr model.ToolResult) model.ScanResult {
	sr := model.NewScanResult(scanType, target, tr)
	discovered := tr.EndTime
	if discovered.IsZero() {
		discovered = time.Now().UTC()
	}
	for _, f := range r.Vulnerabilities {
		opts := []model.VulnerabilityOption{
			model.WithDiscoveredAt(discovered),
			model.WithMetadata("type", f.Type),
			model.WithTags("sqli"),
		}
		if f.URL != "" {
			opts = append(opts, model.WithAffected(f.URL))
		}
		if f.Parameter != "" {
			opts = append(opts, model.WithMetadata("parameter", f.Parameter))
		}
		if f.Payload != "" {
			opts = append(opts, model.WithMetadata("payload", f.Payload), model.WithProofOfConcept(f.Payload))
		}
		v, err := model.NewVulnerability(f.Title, f.Description, f.Severity, opts...)
		if err != nil {
			continue
		}
		sr.Vulnerabilities = append(sr.Vulnerabilities, v)
	}
	sr.Metadata["source"] = string(r.Source)
	if len(r.Summary) > 0 {
		sr.Metadata["summary"] = r.Summary
	}
	return sr
}

// trimBOM drops a leading UTF-8 byte order mark of a results file
func trimBOM(b []byte) []byte {
	return bytes.TrimPrefix(b, []byte("\xef\xbb\xbf"))
}
