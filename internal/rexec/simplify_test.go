package rexec

import (
	"strings"
	"testing"
)

func TestSimplifyReplacesAssignmentWithNull(t *testing.T) {
	s := NewDenylistSimplifier()
	code := "fit <- lmer(AVAL ~ TRT + (1|USUBJID), data = adlb)\nsummary(fit)"

	simplified, ok := s.Simplify(code)
	if !ok {
		t.Fatal("expected simplification to apply")
	}
	if !strings.Contains(simplified, "fit <- NULL") {
		t.Fatalf("assignment target not preserved: %q", simplified)
	}
	if strings.Contains(simplified, "lmer(") {
		t.Fatalf("denylisted call survived: %q", simplified)
	}
	if !strings.Contains(simplified, "summary(fit)") {
		t.Fatalf("unrelated line was touched: %q", simplified)
	}
}

func TestSimplifyDropsBareCalls(t *testing.T) {
	s := NewDenylistSimplifier()
	code := "print(head(adsl))\ncoxph(Surv(AVAL, CNSR) ~ TRT, data = adtte)"

	simplified, ok := s.Simplify(code)
	if !ok {
		t.Fatal("expected simplification to apply")
	}
	if strings.Contains(simplified, "coxph") {
		t.Fatalf("bare denylisted call not removed: %q", simplified)
	}
	if !strings.Contains(simplified, "print(head(adsl))") {
		t.Fatalf("unrelated line was touched: %q", simplified)
	}
}

func TestSimplifyIgnoresComments(t *testing.T) {
	s := NewDenylistSimplifier()
	code := "# fit <- lmer(y ~ x)\nmean(adsl$AGE)"

	if _, ok := s.Simplify(code); ok {
		t.Fatal("comment-only match should not trigger simplification")
	}
}

func TestSimplifyNoMatchReturnsFalse(t *testing.T) {
	s := NewDenylistSimplifier()
	if _, ok := s.Simplify("x <- 1\ny <- x + 1"); ok {
		t.Fatal("expected no simplification for plain code")
	}
}

func TestSimplifyExtraPatterns(t *testing.T) {
	s := NewDenylistSimplifier(`\bheavy_sim\s*\(`)
	simplified, ok := s.Simplify("res <- heavy_sim(n = 1e9)")
	if !ok {
		t.Fatal("extra pattern did not match")
	}
	if !strings.Contains(simplified, "res <- NULL") {
		t.Fatalf("unexpected result: %q", simplified)
	}
}
