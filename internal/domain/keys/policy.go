package keys

import (
	"fmt"
	"time"
)

// Named rotation policies. Compliance programs reference these by name
// so the bounds live in one place.
var namedPolicies = map[string]RotationPolicy{
	"standard-90d":    {Name: "standard-90d", MaxLifetimeDays: 90},
	"high-usage":      {Name: "high-usage", MaxLifetimeDays: 30, UsageLimit: 1_000_000},
	"audit-long-term": {Name: "audit-long-term", MaxLifetimeDays: 365},
}

// PolicyByName resolves a named rotation policy.
func PolicyByName(name string) (RotationPolicy, error) {
	p, ok := namedPolicies[name]
	if !ok {
		return RotationPolicy{}, fmt.Errorf("%w: unknown policy %q", ErrPolicyViolation, name)
	}
	return p, nil
}

// Validate checks that a policy is internally consistent.
func (p RotationPolicy) Validate() error {
	if p.MaxLifetimeDays <= 0 && p.UsageLimit <= 0 {
		return fmt.Errorf("%w: policy %q sets neither lifetime nor usage limit", ErrPolicyViolation, p.Name)
	}
	if p.MaxLifetimeDays < 0 || p.UsageLimit < 0 {
		return fmt.Errorf("%w: policy %q has negative bounds", ErrPolicyViolation, p.Name)
	}
	return nil
}

// PolicyIssue is one finding from a compliance evaluation.
type PolicyIssue struct {
	Severity string `json:"severity"` // "violation" or "warning"
	Detail   string `json:"detail"`
}

// Evaluate checks a key record against its rotation policy at time now.
// Violations mean the key must not protect new data; warnings flag keys
// approaching their bounds so rotation can be scheduled ahead of time.
func Evaluate(rec *KeyRecord, now time.Time) []PolicyIssue {
	var issues []PolicyIssue
	p := rec.Policy

	if p.MaxLifetimeDays > 0 {
		age := now.Sub(rec.CreatedAt)
		max := time.Duration(p.MaxLifetimeDays) * 24 * time.Hour
		switch {
		case age >= max:
			issues = append(issues, PolicyIssue{
				Severity: "violation",
				Detail:   fmt.Sprintf("key age %s exceeds policy lifetime of %d days", age.Round(time.Hour), p.MaxLifetimeDays),
			})
		case age >= max*4/5:
			issues = append(issues, PolicyIssue{
				Severity: "warning",
				Detail:   fmt.Sprintf("key age %s is within 20%% of policy lifetime of %d days", age.Round(time.Hour), p.MaxLifetimeDays),
			})
		}
	}

	if p.UsageLimit > 0 {
		switch {
		case rec.UsageCount >= p.UsageLimit:
			issues = append(issues, PolicyIssue{
				Severity: "violation",
				Detail:   fmt.Sprintf("usage count %d reached policy limit of %d", rec.UsageCount, p.UsageLimit),
			})
		case rec.UsageCount >= p.UsageLimit*4/5:
			issues = append(issues, PolicyIssue{
				Severity: "warning",
				Detail:   fmt.Sprintf("usage count %d is within 20%% of policy limit of %d", rec.UsageCount, p.UsageLimit),
			})
		}
	}

	return issues
}

// Violated reports whether any issue is a hard violation.
func Violated(issues []PolicyIssue) bool {
	for _, is := range issues {
		if is.Severity == "violation" {
			return true
		}
	}
	return false
}
