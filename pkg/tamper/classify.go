package tamper

import "time"

// Classify aggregates findings into a single Status. Severity is the maximum
// over all findings; an empty finding list classifies as NONE.
func Classify(findings []Finding, at time.Time) Status {
	status := Status{
		Severity:            SeverityNone,
		Flags:               make([]string, 0, len(findings)),
		Time:                at,
		BaselineEstablished: true,
	}

	for _, f := range findings {
		status.Flags = append(status.Flags, f.Field)
		if f.Severity > status.Severity {
			status.Severity = f.Severity
		}
	}
	status.Tampered = len(findings) > 0
	return status
}

// Inconclusive builds the status reported when no usable baseline exists.
// Severity is NONE, but the status is distinguishable from a clean result so
// the audit trail never records "verified clean" for an unverifiable device.
func Inconclusive(at time.Time) Status {
	return Status{
		Severity:            SeverityNone,
		Flags:               []string{},
		Time:                at,
		BaselineEstablished: false,
	}
}
