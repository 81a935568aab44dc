package model

import (
	"time"
)

type ScanStatus string

const (
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
)

// ScanResult is a tool independent aggregate of one scan
type ScanResult struct {
	ID              string          `json:"id,omitempty"`
	ScanType        string          `json:"scan_type"`
	Target          string          `json:"target"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         *time.Time      `json:"end_time,omitempty"`
	Status          ScanStatus      `json:"status"`
	Hosts           []Host          `json:"hosts"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	RawOutput       *string         `json:"raw_output,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

// NewScanResult converts a tool result into a ScanResult frame.
// Hosts and vulnerabilities are filled in by the tool specific code.
func NewScanResult(scanType, target string, tr ToolResult) ScanResult {
	status := ScanCompleted
	if tr.Status != StatusSuccess {
		status = ScanFailed
	}
	sr := ScanResult{
		ScanType:        scanType,
		Target:          target,
		StartTime:       tr.StartTime,
		Status:          status,
		Hosts:           []Host{},
		Vulnerabilities: []Vulnerability{},
		RawOutput:       tr.Stdout,
		Metadata: map[string]any{
			"tool":    tr.ToolName,
			"command": tr.Command,
		},
	}
	if !tr.EndTime.IsZero() {
		end := tr.EndTime
		sr.EndTime = &end
	}
	return sr
}

// Duration returns the scan duration, ok is false for unfinished scans
func (s ScanResult) Duration() (time.Duration, bool) {
	if s.EndTime == nil {
		return 0, false
	}
	return s.EndTime.Sub(s.StartTime), true
}

// IsComplete reports whether the scan is no longer running
func (s ScanResult) IsComplete() bool {
	return s.Status != ScanRunning
}
