package domain

import (
	"strings"
)

// ViolationReport is the ordered list of reasons a transfer was flagged.
// Order follows rule evaluation order.
type ViolationReport []string

// String renders one reason per line.
func (r ViolationReport) String() string {
	if len(r) == 0 {
		return ""
	}
	return strings.Join(r, "\n") + "\n"
}

// HTML renders the report for an email body, each reason followed by <br>.
func (r ViolationReport) HTML() string {
	var b strings.Builder
	for _, reason := range r {
		b.WriteString(reason)
		b.WriteString("<br>")
	}
	return b.String()
}

// ParseViolationReport splits a stored report back into its lines.
func ParseViolationReport(text string) ViolationReport {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// PolicyDecision is the outcome of one evaluation.
type PolicyDecision struct {
	IsFlagged bool            `json:"isFlagged"`
	Report    ViolationReport `json:"violations,omitempty"`
}

// NewPolicyDecision builds a decision whose flag is derived from the report,
// so a decision is flagged exactly when it carries at least one reason.
func NewPolicyDecision(report ViolationReport) PolicyDecision {
	if len(report) == 0 {
		return PolicyDecision{}
	}
	lines := make(ViolationReport, len(report))
	copy(lines, report)
	return PolicyDecision{IsFlagged: true, Report: lines}
}
