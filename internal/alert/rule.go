package alert

import (
	"fmt"
	"strings"

	"github.com/couchcryptid/air-quality-engine/internal/domain"
)

// Severity is the urgency of an alert. Severities are ordered info < warning < danger.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

// Rank returns the ordering of s, higher is more severe. Unknown severities rank -1.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityDanger:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// ParseSeverity converts a case-insensitive severity name to a Severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("%w: unknown severity %q", domain.ErrInvalidInput, s)
	}
	return sev, nil
}

// Rule raises an alert when the scoped value of an observation meets or exceeds
// Threshold. An empty Scope refers to the overall AQI, otherwise to the sub-index
// of that pollutant.
type Rule struct {
	ID        string           `json:"id"`
	Scope     domain.Pollutant `json:"scope,omitempty"`
	Threshold int              `json:"threshold"`
	Severity  Severity         `json:"severity"`
	Title     string           `json:"title"`
	Actions   []string         `json:"actions,omitempty"`
}

// Validate checks the rule definition. Failures wrap domain.ErrInvalidInput.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: alert rule: id is required", domain.ErrInvalidInput)
	}
	if r.Scope != "" && !r.Scope.Valid() {
		return fmt.Errorf("%w: alert rule %s: unknown scope %q", domain.ErrInvalidInput, r.ID, r.Scope)
	}
	if r.Threshold < 0 {
		return fmt.Errorf("%w: alert rule %s: negative threshold %d", domain.ErrInvalidInput, r.ID, r.Threshold)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: alert rule %s: unknown severity %q", domain.ErrInvalidInput, r.ID, r.Severity)
	}
	return nil
}

// ScopeLabel returns a human-readable name for the rule's scope.
func (r Rule) ScopeLabel() string {
	if r.Scope == "" {
		return "Overall AQI"
	}
	return string(r.Scope) + " sub-index"
}
