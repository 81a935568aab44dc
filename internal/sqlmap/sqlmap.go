package sqlmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/Penkit/internal/command"
	"github.com/CZERTAINLY/Penkit/internal/integration"
	"github.com/CZERTAINLY/Penkit/internal/log"
	"github.com/CZERTAINLY/Penkit/internal/model"
	"github.com/google/uuid"
)

const (
	Name = "sqlmap"

	probeTimeout = 30 * time.Second
	jsonFlag     = "--output-format"
)

// Tool describes the sqlmap binary and its container fallback
var Tool = integration.Tool{
	Name:           Name,
	Description:    "Automatic SQL injection detection and exploitation",
	BinaryName:     "sqlmap",
	VersionArgs:    []string{"--version"},
	VersionPattern: regexp.MustCompile(`sqlmap (\d+\.\d+(?:\.\d+)?)`),
	DefaultArgs:    []string{"--batch"},
	ContainerImage: "vulnerables/sqlmap-python3",
}

// ScanOptions are sqlmap scan parameters. Zero values are not passed to
// sqlmap.
type ScanOptions struct {
	Data      string
	Cookie    string
	Headers   map[string]string
	UserAgent string
	Level     int
	Risk      int
	DBMS      string
	Forms     bool
	Crawl     int
	Threads   int
	Timeout   time.Duration
	// OutputDir receives the JSON results file, DefaultOutputDir is used
	// when empty
	OutputDir string
	// Args are passed to sqlmap after the named options
	Args []string
}

// Option modifies ScanOptions of a scan profile
type Option func(*ScanOptions)

func WithData(data string) Option        { return func(o *ScanOptions) { o.Data = data } }
func WithCookie(cookie string) Option    { return func(o *ScanOptions) { o.Cookie = cookie } }
func WithUserAgent(ua string) Option     { return func(o *ScanOptions) { o.UserAgent = ua } }
func WithLevel(level int) Option         { return func(o *ScanOptions) { o.Level = level } }
func WithRisk(risk int) Option           { return func(o *ScanOptions) { o.Risk = risk } }
func WithForms(forms bool) Option        { return func(o *ScanOptions) { o.Forms = forms } }
func WithCrawl(depth int) Option         { return func(o *ScanOptions) { o.Crawl = depth } }
func WithThreads(n int) Option           { return func(o *ScanOptions) { o.Threads = n } }
func WithTimeout(d time.Duration) Option { return func(o *ScanOptions) { o.Timeout = d } }
func WithOutputDir(dir string) Option    { return func(o *ScanOptions) { o.OutputDir = dir } }
func WithDBMS(dbms string) Option        { return func(o *ScanOptions) { o.DBMS = dbms } }
func WithArgs(args ...string) Option {
	return func(o *ScanOptions) { o.Args = append(o.Args, args...) }
}
func WithHeader(name, value string) Option {
	return func(o *ScanOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]string)
		}
		o.Headers[name] = value
	}
}

// Scanner runs sqlmap and decodes its findings
type Scanner struct {
	base *integration.Integration[Result]
	// jsonOutput reports the results file support of the installed sqlmap,
	// the help text is queried once per Scanner
	jsonOutput func() bool
}

// New resolves the sqlmap binary, see integration.New
func New(ctx context.Context, cfg integration.Config) *Scanner {
	s := &Scanner{
		base: integration.New(ctx, Tool, cfg, integration.ParserFunc[Result](
			func(_ context.Context, stdout, stderr string) (Result, error) {
				return ParseOutput(stdout, stderr)
			})),
	}
	s.jsonOutput = sync.OnceValue(func() bool {
		return s.probeJSON(context.WithoutCancel(ctx))
	})
	return s
}

func (s *Scanner) Version() string     { return s.base.Version() }
func (s *Scanner) BinaryPath() string  { return s.base.BinaryPath() }
func (s *Scanner) UseContainer() bool  { return s.base.UseContainer() }
func (s *Scanner) Available() bool     { return s.base.Available() }
func (s *Scanner) Description() string { return s.base.Description() }

// SupportsJSONOutput reports if sqlmap can write a JSON results file. A
// containerized sqlmap is never asked as the file would stay in the
// container.
func (s *Scanner) SupportsJSONOutput() bool {
	if s.base.UseContainer() || s.base.BinaryPath() == "" {
		return false
	}
	return s.jsonOutput()
}

func (s *Scanner) probeJSON(ctx context.Context) bool {
	ctx = log.ContextAttrs(ctx, slog.String("scanner", Name))
	out, err := s.base.Output(ctx, probeTimeout, "-hh")
	if err != nil {
		slog.DebugContext(ctx, "sqlmap help probe failed", "error", err)
		return false
	}
	ok := strings.Contains(out, jsonFlag)
	slog.DebugContext(ctx, "sqlmap json output support", "supported", ok)
	return ok
}

// DefaultOutputDir returns the per user directory for sqlmap results
func DefaultOutputDir() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", errors.Join(err, herr)
		}
		dir = filepath.Join(home, ".cache")
	}
	return filepath.Join(dir, "penkit", Name), nil
}

// Args returns sqlmap arguments for a target url. Headers are emitted in
// the sorted order of their names.
func Args(targetURL string, opts ScanOptions) []string {
	b := command.New("-u", targetURL)
	if opts.Data != "" {
		b.Flag("--data", opts.Data)
	}
	if opts.Cookie != "" {
		b.Flag("--cookie", opts.Cookie)
	}
	for _, name := range slices.Sorted(maps.Keys(opts.Headers)) {
		b.Flag("-H", name+": "+opts.Headers[name])
	}
	if opts.UserAgent != "" {
		b.Flag("--user-agent", opts.UserAgent)
	}
	if opts.Level > 0 {
		b.Flag("--level", opts.Level)
	}
	if opts.Risk > 0 {
		b.Flag("--risk", opts.Risk)
	}
	if opts.DBMS != "" {
		b.Flag("--dbms", opts.DBMS)
	}
	b.Flag("--forms", opts.Forms)
	if opts.Crawl > 0 {
		b.Flag("--crawl", opts.Crawl)
	}
	if opts.Threads > 0 {
		b.Flag("--threads", opts.Threads)
	}
	b.Arg(opts.Args...)
	return b.Build()
}

// Scan runs sqlmap against targetURL. Failed or timed out runs are
// returned as model.IntegrationError of kind model.ErrToolExecution. The
// findings are read from the JSON results file when sqlmap supports it,
// then from the output parsed during the run and finally from the raw
// output text, a failing stage falls through to the next one.
func (s *Scanner) Scan(ctx context.Context, targetURL string, opts ScanOptions) (Result, error) {
	_, res, err := s.run(ctx, targetURL, opts)
	return res, err
}

// ScanResult is like Scan but returns the tool independent form as well
func (s *Scanner) ScanResult(ctx context.Context, scanType, targetURL string, opts ScanOptions) (model.ScanResult, Result, error) {
	tr, res, err := s.run(ctx, targetURL, opts)
	if err != nil {
		return model.ScanResult{}, Result{}, err
	}
	return res.ScanResult(scanType, targetURL, tr), res, nil
}

func (s *Scanner) run(ctx context.Context, targetURL string, opts ScanOptions) (model.ToolResult, Result, error) {
	if strings.TrimSpace(targetURL) == "" {
		return model.ToolResult{}, Result{}, model.ExecutionError(Name, "Target URL is required for SQLmap scan", "")
	}
	ctx = log.ContextAttrs(ctx, slog.String("scanner", Name), slog.String("target", targetURL))

	args := Args(targetURL, opts)
	var resultsFile string
	if s.SupportsJSONOutput() {
		dir, err := outputDir(opts)
		if err != nil {
			slog.WarnContext(ctx, "sqlmap output directory not available, parsing stdout", "error", err)
		} else {
			resultsFile = filepath.Join(dir, uuid.NewString()+".json")
			args = append(args, jsonFlag, "JSON", "--results-file", resultsFile)
		}
	}

	tr, err := s.base.Run(ctx, integration.RunOptions{Timeout: opts.Timeout}, args...)
	if err != nil {
		return tr, Result{}, err
	}

	switch tr.Status {
	case model.StatusTimeout:
		return tr, Result{}, model.ExecutionError(Name,
			fmt.Sprintf("SQLmap scan timed out after %s", timeout(opts)), tr.StderrString())
	case model.StatusError:
		return tr, Result{}, model.ExecutionError(Name,
			"SQLmap scan failed: "+strings.TrimSpace(tr.StderrString()), tr.StderrString())
	}

	if resultsFile != "" {
		res, err := readResultsFile(resultsFile)
		if err == nil {
			res.RawOutput = tr.StdoutString()
			return tr, res, nil
		}
		slog.DebugContext(ctx, "sqlmap results file not used", "path", resultsFile, "error", err)
	}
	if res, ok := integration.Parsed[Result](tr); ok {
		return tr, res, nil
	}
	res := ParseText(tr.StdoutString())
	res.RawOutput = tr.StdoutString()
	return tr, res, nil
}

func outputDir(opts ScanOptions) (string, error) {
	dir := opts.OutputDir
	if dir == "" {
		var err error
		dir, err = DefaultOutputDir()
		if err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating sqlmap output directory: %w", err)
	}
	return dir, nil
}

func readResultsFile(path string) (Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	res, err := ProcessJSON(trimBOM(raw))
	if err != nil {
		return Result{}, err
	}
	res.Source = SourceResultsFile
	return res, nil
}

func timeout(opts ScanOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return integration.DefaultTimeout
}

// QuickOptions is the level 1, risk 1 profile. Overrides may shape the
// requests but can't raise the level or risk.
func QuickOptions(overrides ...Option) ScanOptions {
	var opts ScanOptions
	for _, o := range overrides {
		o(&opts)
	}
	opts.Level, opts.Risk = 1, 1
	return opts
}

// ThoroughOptions is the level 3, risk 2 profile testing forms, overrides
// are applied on top
func ThoroughOptions(overrides ...Option) ScanOptions {
	opts := ScanOptions{Level: 3, Risk: 2, Forms: true}
	for _, o := range overrides {
		o(&opts)
	}
	return opts
}

func (s *Scanner) QuickScan(ctx context.Context, targetURL string, overrides ...Option) (Result, error) {
	return s.Scan(ctx, targetURL, QuickOptions(overrides...))
}

func (s *Scanner) ThoroughScan(ctx context.Context, targetURL string, overrides ...Option) (Result, error) {
	return s.Scan(ctx, targetURL, ThoroughOptions(overrides...))
}
