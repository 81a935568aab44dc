package model

import (
	"time"
)

// ToolStatus is an outcome of a single tool invocation
type ToolStatus string

const (
	StatusSuccess    ToolStatus = "success"
	StatusError      ToolStatus = "error"
	StatusTimeout    ToolStatus = "timeout"
	StatusParseError ToolStatus = "parse_error"
)

// SummaryStdoutLen is the maximum length of stdout in ToolResult.Summary
const SummaryStdoutLen = 200

// ToolResult is an outcome of one external tool invocation. It is created
// once by the execution routine and must be treated as read-only afterwards.
type ToolResult struct {
	ToolName  string     `json:"tool_name"`
	Command   string     `json:"command"`
	Argv      []string   `json:"argv,omitempty"`
	Status    ToolStatus `json:"status"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Stdout    *string    `json:"stdout,omitempty"`
	Stderr    *string    `json:"stderr,omitempty"`
	// ParsedResult holds the tool specific decoded output, if any
	ParsedResult any `json:"parsed_result,omitempty"`
}

// Duration returns how long the tool run
func (r ToolResult) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// StdoutString returns stdout or an empty string
func (r ToolResult) StdoutString() string {
	if r.Stdout == nil {
		return ""
	}
	return *r.Stdout
}

// StderrString returns stderr or an empty string
func (r ToolResult) StderrString() string {
	if r.Stderr == nil {
		return ""
	}
	return *r.Stderr
}

// ToolSummary is a display form of a ToolResult
type ToolSummary struct {
	ToolName  string     `json:"tool_name"`
	Command   string     `json:"command"`
	Status    ToolStatus `json:"status"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Stdout    *string    `json:"stdout,omitempty"`
	Stderr    *string    `json:"stderr,omitempty"`
	Parsed    bool       `json:"parsed"`
}

// Summary returns the display form, stdout is truncated to SummaryStdoutLen
func (r ToolResult) Summary() ToolSummary {
	s := ToolSummary{
		ToolName:  r.ToolName,
		Command:   r.Command,
		Status:    r.Status,
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
		ExitCode:  r.ExitCode,
		Stderr:    r.Stderr,
		Parsed:    r.ParsedResult != nil,
	}
	if r.Stdout != nil {
		out := Excerpt(*r.Stdout, SummaryStdoutLen)
		s.Stdout = &out
	}
	return s
}
