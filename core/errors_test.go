package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestGatewayErrorWrapping(t *testing.T) {
	underlying := errors.New("connection refused")
	ge := NewGatewayError(KindProviderTransient, "adapter.Infer", underlying)

	if !errors.Is(ge, underlying) {
		t.Error("errors.Is should see the wrapped error")
	}
	var target *GatewayError
	if !errors.As(ge, &target) {
		t.Error("errors.As should unwrap to GatewayError")
	}
	wrapped := fmt.Errorf("request failed: %w", ge)
	if KindOf(wrapped) != KindProviderTransient {
		t.Errorf("kind through wrapping = %s", KindOf(wrapped))
	}
}

func TestKindOfSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{context.DeadlineExceeded, KindDeadlineExceeded},
		{context.Canceled, KindCancelled},
		{ErrCircuitBreakerOpen, KindCircuitOpen},
		{ErrQuotaExhausted, KindQuotaExhausted},
		{ErrModelNotFound, KindProviderUnavailable},
		{ErrProviderNotFound, KindProviderUnavailable},
		{errors.New("anything else"), KindInternal},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
	if KindOf(nil) != "" {
		t.Error("KindOf(nil) should be empty")
	}
}

func TestRetryabilityByKind(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want bool
	}{
		{KindProviderTransient, true},
		{KindProviderUnavailable, true},
		{KindProviderPermanent, false},
		{KindInvalidArgument, false},
		{KindQuotaExhausted, false},
		{KindPolicyViolation, false},
		{KindCircuitOpen, false},
	}
	for _, tc := range cases {
		err := Errorf(tc.kind, "op", "boom")
		if got := IsRetryable(err); got != tc.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestBreakerAccountingByKind(t *testing.T) {
	counts := []ErrorKind{KindProviderTransient, KindProviderPermanent, KindDeadlineExceeded}
	for _, k := range counts {
		if !CountsTowardBreaker(Errorf(k, "op", "boom")) {
			t.Errorf("%s should count toward the breaker", k)
		}
	}
	ignores := []ErrorKind{KindInvalidArgument, KindQuotaExhausted, KindRateLimited, KindPolicyViolation, KindCircuitOpen}
	for _, k := range ignores {
		if CountsTowardBreaker(Errorf(k, "op", "boom")) {
			t.Errorf("%s must not count toward the breaker", k)
		}
	}
}

func TestSuggestedActions(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want SuggestedAction
	}{
		{KindProviderTransient, ActionRetry},
		{KindRateLimited, ActionRetry},
		{KindProviderUnavailable, ActionFallback},
		{KindCircuitOpen, ActionFallback},
		{KindPolicyViolation, ActionHumanReview},
		{KindInternal, ActionEscalate},
	}
	for _, tc := range cases {
		if got := Errorf(tc.kind, "op", "boom").Action; got != tc.want {
			t.Errorf("action for %s = %s, want %s", tc.kind, got, tc.want)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{401, KindUnauthenticated},
		{403, KindPermissionDenied},
		{429, KindRateLimited},
		{408, KindProviderTransient},
		{500, KindProviderTransient},
		{503, KindProviderTransient},
		{400, KindProviderPermanent},
		{404, KindProviderPermanent},
	}
	for _, tc := range cases {
		if got := ClassifyStatus(tc.status); got != tc.want {
			t.Errorf("ClassifyStatus(%d) = %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestErrorStringFormats(t *testing.T) {
	withOp := NewGatewayError(KindQuotaExhausted, "quota.Reserve", ErrQuotaExhausted)
	if withOp.Error() != "quota.Reserve [QUOTA_EXHAUSTED]: quota exhausted" {
		t.Errorf("got %q", withOp.Error())
	}
	withMsg := Errorf(KindInvalidArgument, "", "model id is required")
	if withMsg.Error() != "[INVALID_ARGUMENT] model id is required" {
		t.Errorf("got %q", withMsg.Error())
	}
}
