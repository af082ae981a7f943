// Package risk combines classifier output and backend reports into verdicts.
// Everything here is pure and deterministic.
package risk

import (
	"strings"

	"github.com/linkguard/linkguard/internal/verify"
)

// DefaultThreshold is the malicious probability at or above which a URL is
// sent for verification.
const DefaultThreshold = 0.4

// Label is a binary classification label.
type Label string

const (
	LabelSafe       Label = "Safe"
	LabelMalicious  Label = "Malicious"
	LabelNotChecked Label = "Not checked"
)

// weight orders labels by severity. Unknown labels fail closed.
func (l Label) weight() int {
	switch l {
	case LabelNotChecked:
		return 0
	case LabelSafe:
		return 1
	case LabelMalicious:
		return 2
	default:
		return 3
	}
}

// Level is a graded download risk.
type Level string

const (
	LevelLow    Level = "low_risk"
	LevelMedium Level = "medium_risk"
	LevelHigh   Level = "high_risk"
)

func (l Level) weight() int {
	switch l {
	case LevelLow:
		return 0
	case LevelMedium:
		return 1
	case LevelHigh:
		return 2
	default:
		return 3 // unknown levels fail closed
	}
}

// RiskLabel is the overall outcome of a prediction.
type RiskLabel string

const (
	RiskSafe       RiskLabel = "safe"
	RiskSuspicious RiskLabel = "suspicious"
	RiskMalicious  RiskLabel = "malicious"
)

// Sandbox verdict categories.
const (
	SandboxMalicious        = "malicious"
	SandboxSuspicious       = "suspicious"
	SandboxNoSpecificThreat = "no specific threat"
)

// VoteLabel applies the vendor vote rule: more than one malicious or
// suspicious vote makes the URL malicious.
func VoteLabel(s verify.Stats) Label {
	if s.Malicious+s.Suspicious > 1 {
		return LabelMalicious
	}
	return LabelSafe
}

// ReportLevel grades a single backend report. Failed reports are high risk.
func ReportLevel(r verify.ScanReport) Level {
	if r.Failed() {
		return LevelHigh
	}
	verdict := strings.ToLower(strings.TrimSpace(r.SandboxVerdict))
	switch {
	case verdict == SandboxMalicious || r.Stats.Malicious > 0:
		return LevelHigh
	case verdict == SandboxSuspicious || verdict == SandboxNoSpecificThreat || r.Stats.Suspicious > 0:
		return LevelMedium
	default:
		return LevelLow
	}
}

// ReportLabel labels a single backend report. Vendor backends use the vote
// rule; sandbox backends are malicious only at high risk. Failed reports are
// malicious.
func ReportLabel(r verify.ScanReport) Label {
	if r.Failed() {
		return LabelMalicious
	}
	if r.Kind == verify.KindSandbox {
		if ReportLevel(r) == LevelHigh {
			return LabelMalicious
		}
		return LabelSafe
	}
	return VoteLabel(r.Stats)
}

// MaxLabel returns the most severe label.
func MaxLabel(labels ...Label) Label {
	out := LabelNotChecked
	for _, l := range labels {
		if l.weight() > out.weight() {
			out = l
		}
	}
	return out
}

// MaxLevel returns the most severe level, or LevelLow for no input.
func MaxLevel(levels ...Level) Level {
	out := LevelLow
	for _, l := range levels {
		if l.weight() > out.weight() {
			out = l
		}
	}
	return out
}
