package tamper

import "time"

// Severity is the ordinal tamper classification. Higher values are stricter;
// classification of a cycle is the maximum over its findings, never an average.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityNone:     "NONE",
	SeverityLow:      "LOW",
	SeverityMedium:   "MEDIUM",
	SeverityHigh:     "HIGH",
	SeverityCritical: "CRITICAL",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "NONE"
}

// ParseSeverity maps a stored severity name back to its ordinal.
func ParseSeverity(name string) Severity {
	for sev, n := range severityNames {
		if n == name {
			return sev
		}
	}
	return SeverityNone
}

// Category groups findings by the kind of device state that drifted.
type Category string

const (
	CategoryHardware Category = "HARDWARE"
	CategorySoftware Category = "SOFTWARE"
	CategorySecurity Category = "SECURITY"
	CategoryNetwork  Category = "NETWORK"
)

// Finding is one detected deviation between the current snapshot and the
// baseline. Findings are transient: they survive only as the flags of the
// Status built from them.
type Finding struct {
	Field    string   `json:"field"`
	Category Category `json:"category"`
	OldValue string   `json:"old_value"`
	NewValue string   `json:"new_value"`
	Severity Severity `json:"severity"`
}

// Status is the per-cycle verification verdict.
type Status struct {
	Tampered bool      `json:"is_tampered"`
	Severity Severity  `json:"severity"`
	Flags    []string  `json:"flags"`
	Time     time.Time `json:"timestamp"`

	// BaselineEstablished is false when no usable baseline existed, which is
	// reported as severity NONE but is not the same as a clean comparison.
	BaselineEstablished bool `json:"baseline_established"`
}
