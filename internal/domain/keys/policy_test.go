package keys

import (
	"errors"
	"testing"
	"time"
)

func TestPolicyByName(t *testing.T) {
	p, err := PolicyByName("standard-90d")
	if err != nil {
		t.Fatalf("PolicyByName: %v", err)
	}
	if p.MaxLifetimeDays != 90 {
		t.Errorf("expected 90 day lifetime, got %d", p.MaxLifetimeDays)
	}

	if _, err := PolicyByName("no-such-policy"); !errors.Is(err, ErrPolicyViolation) {
		t.Errorf("expected ErrPolicyViolation, got %v", err)
	}
}

func TestRotationPolicy_Validate(t *testing.T) {
	if err := (RotationPolicy{Name: "empty"}).Validate(); err == nil {
		t.Error("expected error for policy with no bounds")
	}
	if err := (RotationPolicy{Name: "ok", MaxLifetimeDays: 30}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEvaluate_Lifetime(t *testing.T) {
	now := time.Now()
	rec := &KeyRecord{
		KeyID:     "k1",
		Policy:    RotationPolicy{Name: "standard-90d", MaxLifetimeDays: 90},
		CreatedAt: now,
	}

	t.Run("fresh key has no issues", func(t *testing.T) {
		if issues := Evaluate(rec, now.Add(24*time.Hour)); len(issues) != 0 {
			t.Errorf("expected no issues, got %v", issues)
		}
	})

	t.Run("near expiry warns", func(t *testing.T) {
		issues := Evaluate(rec, now.Add(85*24*time.Hour))
		if len(issues) != 1 || issues[0].Severity != "warning" {
			t.Errorf("expected one warning, got %v", issues)
		}
		if Violated(issues) {
			t.Error("warning must not count as violation")
		}
	})

	t.Run("past lifetime violates", func(t *testing.T) {
		issues := Evaluate(rec, now.Add(91*24*time.Hour))
		if !Violated(issues) {
			t.Errorf("expected violation, got %v", issues)
		}
	})
}

func TestEvaluate_UsageLimit(t *testing.T) {
	rec := &KeyRecord{
		KeyID:      "k1",
		Policy:     RotationPolicy{Name: "high-usage", UsageLimit: 100},
		CreatedAt:  time.Now(),
		UsageCount: 100,
	}
	if !Violated(Evaluate(rec, time.Now())) {
		t.Error("expected usage violation")
	}

	rec.UsageCount = 85
	issues := Evaluate(rec, time.Now())
	if len(issues) != 1 || issues[0].Severity != "warning" {
		t.Errorf("expected usage warning, got %v", issues)
	}
}
