package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration is returned when a tool is neither installed nor
	// available as a container image, or the configuration is invalid.
	ErrConfiguration = errors.New("configuration error")
	// ErrIntegration is the root of all tool integration failures.
	ErrIntegration = errors.New("integration error")
	// ErrToolExecution marks a failed, timed out or unspawnable tool run.
	ErrToolExecution = errors.New("tool execution error")
	// ErrOutputParsing marks tool output which can't be decoded.
	ErrOutputParsing = errors.New("output parsing error")
	// ErrModule is the root of all module failures.
	ErrModule = errors.New("module error")
	// ErrInvalidOption is returned by module setters.
	ErrInvalidOption = errors.New("invalid option")
)

const rawExcerptLen = 500

// IntegrationError describes a failure of a single tool invocation.
// errors.Is matches both ErrIntegration and the concrete Kind.
type IntegrationError struct {
	Tool   string
	Kind   error // ErrToolExecution or ErrOutputParsing
	Msg    string
	Stderr string
	Raw    string // excerpt of the output which failed to parse
	Err    error
}

// ExecutionError returns an IntegrationError of kind ErrToolExecution.
func ExecutionError(tool, msg, stderr string) *IntegrationError {
	return &IntegrationError{
		Tool:   tool,
		Kind:   ErrToolExecution,
		Msg:    msg,
		Stderr: stderr,
	}
}

// ParsingError returns an IntegrationError of kind ErrOutputParsing.
// The raw output is truncated to a short excerpt suitable for display.
func ParsingError(tool, msg, raw string, err error) *IntegrationError {
	return &IntegrationError{
		Tool: tool,
		Kind: ErrOutputParsing,
		Msg:  msg,
		Raw:  Excerpt(raw, rawExcerptLen),
		Err:  err,
	}
}

func (e *IntegrationError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Msg)
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *IntegrationError) Is(target error) bool {
	return target == ErrIntegration || target == e.Kind
}

func (e *IntegrationError) Unwrap() error {
	return e.Err
}

// ModuleError is the only error type returned from a module run.
type ModuleError struct {
	Module string
	Msg    string
	Err    error
}

func NewModuleError(module, msg string, err error) *ModuleError {
	return &ModuleError{Module: module, Msg: msg, Err: err}
}

func (e *ModuleError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Msg, e.Err.Error())
}

func (e *ModuleError) Is(target error) bool {
	return target == ErrModule
}

func (e *ModuleError) Unwrap() error {
	return e.Err
}

// Excerpt returns at most n bytes of s followed by "..." when truncated.
// The cut never splits a multi-byte rune.
func Excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
