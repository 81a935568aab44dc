// Package integration provides the common execution layer of external
// security tools.
//
// An Integration resolves the tool binary once, when it is created:
//
//	tools.<name>.path (if executable) -> $PATH lookup -> container image
//
// and then runs the tool from an argument vector with a timeout. Every run
// produces exactly one model.ToolResult, failures of the tool itself
// (non-zero exit, timeout, spawn error, unparseable output) are reported as
// a status of that result and never as a Go error. The only error returned
// by Run is ErrConfiguration when no way to execute the tool exists.
//
// Integrations hold no mutable state after construction and are safe for
// concurrent use.
package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/CZERTAINLY/Penkit/internal/command"
	"github.com/CZERTAINLY/Penkit/internal/log"
	"github.com/CZERTAINLY/Penkit/internal/model"
	"github.com/CZERTAINLY/Penkit/internal/runner"
)

const (
	// DefaultTimeout is used when RunOptions.Timeout is zero
	DefaultTimeout = 600 * time.Second
	versionTimeout = 10 * time.Second
)

// Config is a dotted key lookup, *viper.Viper satisfies it
type Config interface {
	GetString(key string) string
	GetBool(key string) bool
}

// Tool describes an external tool
type Tool struct {
	Name        string
	Description string
	// BinaryName is looked up in $PATH, Name is used when empty
	BinaryName       string
	VersionArgs      []string
	VersionPattern   *regexp.Regexp // first submatch is the version
	DefaultArgs      []string
	ContainerImage   string
	ContainerOptions []string
}

// OutputParser decodes the tool output
type OutputParser[T any] interface {
	ParseOutput(ctx context.Context, stdout, stderr string) (T, error)
}

// ParserFunc adapts a function to the OutputParser interface
type ParserFunc[T any] func(ctx context.Context, stdout, stderr string) (T, error)

func (f ParserFunc[T]) ParseOutput(ctx context.Context, stdout, stderr string) (T, error) {
	return f(ctx, stdout, stderr)
}

type RunOptions struct {
	Timeout time.Duration
	Env     []string
	// Stderr receives stderr lines while the tool runs
	Stderr runner.StderrFunc
}

type Integration[T any] struct {
	tool           Tool
	parser         OutputParser[T]
	binaryPath     string
	version        string
	useContainer   bool
	containerImage string
	runtime        string
}

// New resolves the tool and returns a ready to use Integration. Resolution
// never fails: a tool which can't be found is reported by BuildCommand.
func New[T any](ctx context.Context, tool Tool, cfg Config, parser OutputParser[T]) *Integration[T] {
	if tool.BinaryName == "" {
		tool.BinaryName = tool.Name
	}
	i := &Integration[T]{
		tool:   tool,
		parser: parser,
	}
	ctx = log.ContextAttrs(ctx, slog.String("tool", tool.Name))

	key := func(k string) string { return "tools." + tool.Name + "." + k }

	forceContainer := cfg != nil && cfg.GetBool(key("use_container"))
	if !forceContainer {
		i.binaryPath = i.resolveBinary(ctx, cfg, key("path"))
	}

	if i.binaryPath != "" {
		i.version = i.probeVersion(ctx)
		slog.DebugContext(ctx, "tool resolved", "path", i.binaryPath, "version", i.version)
		return i
	}

	image := tool.ContainerImage
	if cfg != nil {
		if configured := cfg.GetString(key("container_image")); configured != "" {
			image = configured
		}
	}
	if image == "" {
		slog.WarnContext(ctx, "tool not found and no container image configured")
		return i
	}

	i.useContainer = true
	i.containerImage = image
	i.runtime = model.ContainerTypeDocker
	if cfg != nil {
		if r := cfg.GetString(key("container_runtime")); r != "" {
			i.runtime = r
		} else if r := cfg.GetString("container.runtime"); r != "" {
			i.runtime = r
		}
	}
	i.version = "container:" + image
	slog.DebugContext(ctx, "tool runs in a container", "image", image, "runtime", i.runtime)
	return i
}

func (i *Integration[T]) resolveBinary(ctx context.Context, cfg Config, pathKey string) string {
	if cfg != nil {
		if path := cfg.GetString(pathKey); path != "" {
			if isExecutable(path) {
				return path
			}
			slog.WarnContext(ctx, "configured tool path is not executable, falling back to $PATH", "path", path)
		}
	}
	path, err := exec.LookPath(i.tool.BinaryName)
	if err != nil {
		slog.DebugContext(ctx, "tool not found in $PATH", "binary", i.tool.BinaryName)
		return ""
	}
	return path
}

func (i *Integration[T]) probeVersion(ctx context.Context) string {
	if len(i.tool.VersionArgs) == 0 {
		return ""
	}
	res := runner.Run(ctx, runner.Command{
		Path:    i.binaryPath,
		Args:    i.tool.VersionArgs,
		Timeout: versionTimeout,
	}, nil)
	if res.Err != nil {
		slog.DebugContext(ctx, "version probe failed", "error", res.Err)
		return ""
	}
	out := strings.TrimSpace(decode(res.Stdout))
	if i.tool.VersionPattern == nil {
		return out
	}
	m := i.tool.VersionPattern.FindStringSubmatch(out)
	if len(m) < 2 {
		return out
	}
	return m[1]
}

func (i *Integration[T]) Name() string        { return i.tool.Name }
func (i *Integration[T]) Description() string { return i.tool.Description }
func (i *Integration[T]) BinaryPath() string  { return i.binaryPath }
func (i *Integration[T]) Version() string     { return i.version }
func (i *Integration[T]) UseContainer() bool  { return i.useContainer }

// Available reports whether the tool can be executed
func (i *Integration[T]) Available() bool {
	return i.binaryPath != "" || (i.useContainer && i.containerImage != "")
}

// BuildCommand returns the full argument vector for args. It fails with
// model.ErrConfiguration if the tool is neither installed nor available as
// a container image.
func (i *Integration[T]) BuildCommand(args ...string) ([]string, error) {
	switch {
	case i.binaryPath != "":
		return command.New(i.binaryPath).
			Arg(i.tool.DefaultArgs...).
			Arg(args...).
			Build(), nil
	case i.useContainer && i.containerImage != "":
		return command.New(i.runtime, "run", "--rm").
			Arg(i.tool.ContainerOptions...).
			Arg(i.containerImage).
			Arg(i.tool.DefaultArgs...).
			Arg(args...).
			Build(), nil
	default:
		return nil, fmt.Errorf("%w: %s is not installed and no container image is configured", model.ErrConfiguration, i.tool.Name)
	}
}

// RunAsync starts the tool and returns a channel which receives exactly one
// ToolResult. Only a BuildCommand failure is returned as an error.
func (i *Integration[T]) RunAsync(ctx context.Context, opts RunOptions, args ...string) (<-chan model.ToolResult, error) {
	argv, err := i.BuildCommand(args...)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ch := make(chan model.ToolResult, 1)
	go func() {
		defer close(ch)
		ch <- i.execute(ctx, argv, timeout, opts)
	}()
	return ch, nil
}

// Run is a blocking variant of RunAsync
func (i *Integration[T]) Run(ctx context.Context, opts RunOptions, args ...string) (model.ToolResult, error) {
	ch, err := i.RunAsync(ctx, opts, args...)
	if err != nil {
		return model.ToolResult{}, err
	}
	return <-ch, nil
}

func (i *Integration[T]) execute(ctx context.Context, argv []string, timeout time.Duration, opts RunOptions) model.ToolResult {
	cmdStr := command.Join(argv)
	ctx = log.ContextAttrs(ctx, slog.String("tool", i.tool.Name))
	slog.DebugContext(ctx, "running tool", "command", cmdStr, "timeout", timeout.String())

	res := runner.Run(ctx, runner.Command{
		Path:    argv[0],
		Args:    argv[1:],
		Env:     opts.Env,
		Timeout: timeout,
	}, opts.Stderr)

	tr := model.ToolResult{
		ToolName:  i.tool.Name,
		Command:   cmdStr,
		Argv:      argv,
		StartTime: res.Started,
		EndTime:   res.Stopped,
	}

	switch {
	case res.TimedOut:
		tr.Status = model.StatusTimeout
		msg := fmt.Sprintf("%s timed out after %s", i.tool.Name, timeout)
		tr.Stderr = &msg
		if len(res.Stdout) > 0 {
			out := decode(res.Stdout)
			tr.Stdout = &out
		}
		slog.WarnContext(ctx, "tool timed out", "timeout", timeout.String())
		return tr
	case res.State == nil || errors.Is(res.Err, context.Canceled):
		// never started or killed on cancellation
		tr.Status = model.StatusError
		msg := res.Err.Error()
		tr.Stderr = &msg
		slog.ErrorContext(ctx, "tool execution failed", "error", res.Err)
		return tr
	}

	stdout, stderr := decode(res.Stdout), decode(res.Stderr)
	tr.Stdout, tr.Stderr = &stdout, &stderr
	tr.ExitCode = res.ExitCode()
	if tr.ExitCode != nil && *tr.ExitCode == 0 {
		tr.Status = model.StatusSuccess
	} else {
		tr.Status = model.StatusError
	}

	parsed, err := i.parser.ParseOutput(ctx, stdout, stderr)
	if err != nil {
		slog.WarnContext(ctx, "parsing tool output failed", "error", err)
		tr.Status = model.StatusParseError
		return tr
	}
	tr.ParsedResult = parsed
	slog.DebugContext(ctx, "tool finished", "status", tr.Status, "elapsed", tr.Duration().String())
	return tr
}

// Output runs the tool without parsing and returns its combined output.
// It is meant for short help or capability queries.
func (i *Integration[T]) Output(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	argv, err := i.BuildCommand(args...)
	if err != nil {
		return "", err
	}
	res := runner.Run(ctx, runner.Command{
		Path:    argv[0],
		Args:    argv[1:],
		Timeout: timeout,
	}, nil)
	out := decode(res.Stdout) + decode(res.Stderr)
	if res.State == nil || res.TimedOut {
		return out, fmt.Errorf("%s %s: %w", i.tool.Name, strings.Join(args, " "), res.Err)
	}
	return out, nil
}

// Parsed returns the ParsedResult of tr as T
func Parsed[T any](tr model.ToolResult) (T, bool) {
	v, ok := tr.ParsedResult.(T)
	return v, ok
}

// decode converts tool output to a valid UTF-8 string
func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}
