package nmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/CZERTAINLY/Penkit/internal/command"
	"github.com/CZERTAINLY/Penkit/internal/integration"
	"github.com/CZERTAINLY/Penkit/internal/log"
	"github.com/CZERTAINLY/Penkit/internal/model"
)

const Name = "nmap"

// Tool describes the nmap binary and its container fallback
var Tool = integration.Tool{
	Name:             Name,
	Description:      "Network exploration tool and security / port scanner",
	BinaryName:       "nmap",
	VersionArgs:      []string{"--version"},
	VersionPattern:   regexp.MustCompile(`Nmap version ([0-9.]+)`),
	ContainerImage:   "instrumentisto/nmap:latest",
	ContainerOptions: []string{"--net=host"},
}

// ScanOptions are nmap scan parameters. Zero values are not passed to nmap.
type ScanOptions struct {
	Ports            string
	ServiceDetection bool
	OSDetection      bool
	Script           string
	// Timing is the -T template, 0 means nmap default
	Timing int
	// OutputXML stores the raw XML report to this path
	OutputXML string
	Timeout   time.Duration
	// Args are passed to nmap before the target
	Args []string
}

// Scanner runs nmap scans and decodes the XML report
type Scanner struct {
	base *integration.Integration[Result]
}

// New resolves the nmap binary, see integration.New
func New(ctx context.Context, cfg integration.Config) *Scanner {
	return &Scanner{
		base: integration.New(ctx, Tool, cfg, parser{}),
	}
}

func (s *Scanner) Version() string     { return s.base.Version() }
func (s *Scanner) BinaryPath() string  { return s.base.BinaryPath() }
func (s *Scanner) UseContainer() bool  { return s.base.UseContainer() }
func (s *Scanner) Available() bool     { return s.base.Available() }
func (s *Scanner) Description() string { return s.base.Description() }

// Args returns nmap arguments for a target, XML output to stdout is
// always requested first
func Args(target string, opts ScanOptions) []string {
	b := command.New("-oX", "-")
	if opts.Ports != "" {
		b.Flag("-p", opts.Ports)
	}
	b.Flag("-sV", opts.ServiceDetection)
	b.Flag("-O", opts.OSDetection)
	if opts.Script != "" {
		b.Flag("--script", opts.Script)
	}
	if opts.Timing > 0 {
		b.Flag("-T", opts.Timing)
	}
	b.Arg(stripStdoutOutputs(opts.Args)...)
	b.Arg(target)
	return b.Build()
}

// stripStdoutOutputs removes caller output flags writing to stdout as
// they would corrupt the XML report
func stripStdoutOutputs(args []string) []string {
	var ret []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if isOutputFlag(a) && i+1 < len(args) && args[i+1] == "-" {
			i++
			continue
		}
		ret = append(ret, a)
	}
	return ret
}

func isOutputFlag(a string) bool {
	switch a {
	case "-oX", "-oN", "-oG", "-oS", "-oA", "-oJ":
		return true
	}
	return false
}

// Scan runs nmap against target. Execution failures are returned as
// model.IntegrationError of kind model.ErrToolExecution, an undecodable
// report as kind model.ErrOutputParsing.
func (s *Scanner) Scan(ctx context.Context, target string, opts ScanOptions) (Result, error) {
	_, res, err := s.run(ctx, target, opts)
	return res, err
}

// ScanResult is like Scan but returns the tool independent form as well
func (s *Scanner) ScanResult(ctx context.Context, scanType, target string, opts ScanOptions) (model.ScanResult, Result, error) {
	tr, res, err := s.run(ctx, target, opts)
	if err != nil {
		return model.ScanResult{}, Result{}, err
	}
	return res.ScanResult(scanType, target, tr), res, nil
}

func (s *Scanner) run(ctx context.Context, target string, opts ScanOptions) (model.ToolResult, Result, error) {
	if strings.TrimSpace(target) == "" {
		return model.ToolResult{}, Result{}, model.ExecutionError(Name, "Target is required for Nmap scan", "")
	}
	ctx = log.ContextAttrs(ctx, slog.String("scanner", Name), slog.String("target", target))

	tr, err := s.base.Run(ctx, integration.RunOptions{Timeout: opts.Timeout}, Args(target, opts)...)
	if err != nil {
		return tr, Result{}, err
	}
	res, err := s.result(ctx, tr, opts)
	return tr, res, err
}

func (s *Scanner) result(ctx context.Context, tr model.ToolResult, opts ScanOptions) (Result, error) {
	stdout, stderr := tr.StdoutString(), tr.StderrString()
	if opts.OutputXML != "" && stdout != "" {
		if err := os.WriteFile(opts.OutputXML, []byte(stdout), 0o644); err != nil {
			slog.WarnContext(ctx, "storing nmap XML failed", "path", opts.OutputXML, "error", err)
		}
	}

	switch tr.Status {
	case model.StatusTimeout:
		return Result{}, model.ExecutionError(Name,
			fmt.Sprintf("Nmap scan timed out after %s", timeout(opts)), stderr)
	case model.StatusSuccess:
	default:
		if tr.ExitCode == nil || (*tr.ExitCode != 0 && stdout == "") {
			return Result{}, model.ExecutionError(Name, "Nmap scan failed: "+strings.TrimSpace(stderr), stderr)
		}
	}

	if res, ok := integration.Parsed[Result](tr); ok {
		if tr.Status == model.StatusError {
			slog.WarnContext(ctx, "nmap exited with an error, using partial report", "exit_code", *tr.ExitCode)
		}
		return res, nil
	}

	// parse again to obtain the error detail
	_, err := parser{}.ParseOutput(ctx, stdout, stderr)
	if err == nil {
		err = errors.New("no parsed result")
	}
	return Result{}, model.ParsingError(Name, "Failed to parse Nmap XML output", stdout, err)
}

func timeout(opts ScanOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return integration.DefaultTimeout
}

type parser struct{}

func (parser) ParseOutput(ctx context.Context, stdout, stderr string) (Result, error) {
	if strings.TrimSpace(stdout) == "" {
		return Result{}, fmt.Errorf("no output from nmap: %s", strings.TrimSpace(stderr))
	}
	return ParseXML(ctx, strings.NewReader(stdout))
}

// QuickScan scans the most common ports with the aggressive timing
func (s *Scanner) QuickScan(ctx context.Context, target string) (Result, error) {
	return s.Scan(ctx, target, QuickOptions())
}

// ComprehensiveScan enables service and OS detection and default scripts
func (s *Scanner) ComprehensiveScan(ctx context.Context, target string) (Result, error) {
	return s.Scan(ctx, target, ComprehensiveOptions())
}

// ServiceScan detects service versions on ports
func (s *Scanner) ServiceScan(ctx context.Context, target, ports string) (Result, error) {
	return s.Scan(ctx, target, ServiceOptions(ports))
}

// ScriptScan runs script on ports
func (s *Scanner) ScriptScan(ctx context.Context, target, script, ports string) (Result, error) {
	return s.Scan(ctx, target, ScriptOptions(script, ports))
}

func QuickOptions() ScanOptions {
	return ScanOptions{
		Timing: 4,
		Args:   []string{"-F"},
	}
}

func ComprehensiveOptions() ScanOptions {
	return ScanOptions{
		ServiceDetection: true,
		OSDetection:      true,
		Script:           "default",
		Timing:           4,
	}
}

func ServiceOptions(ports string) ScanOptions {
	return ScanOptions{
		Ports:            ports,
		ServiceDetection: true,
	}
}

func ScriptOptions(script, ports string) ScanOptions {
	return ScanOptions{
		Ports:  ports,
		Script: script,
	}
}

// Profile returns options of a named profile
func Profile(name string) (ScanOptions, error) {
	switch name {
	case "quick":
		return QuickOptions(), nil
	case "comprehensive":
		return ComprehensiveOptions(), nil
	case "service":
		return ServiceOptions(""), nil
	case "script":
		return ScriptOptions("default", ""), nil
	default:
		return ScanOptions{}, fmt.Errorf("%w: unknown nmap profile %q", model.ErrInvalidOption, name)
	}
}
