package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestKindOfWrappedChain(t *testing.T) {
	base := Transient("rpc unavailable", New("dial tcp: refused"))
	wrapped := fmt.Errorf("broadcast output: %w", base)

	if got := KindOf(wrapped); got != KindTransient {
		t.Errorf("KindOf(wrapped) = %s, want %s", got, KindTransient)
	}
	if !IsRetryable(wrapped) {
		t.Error("transient error should be retryable")
	}
	if IsTerminal(wrapped) {
		t.Error("transient error should not be terminal")
	}
}

func TestKindOfUntaggedDefaultsTransient(t *testing.T) {
	if got := KindOf(New("who knows")); got != KindTransient {
		t.Errorf("untagged error kind = %s, want %s", got, KindTransient)
	}
	if got := KindOf(nil); got != "" {
		t.Errorf("nil error kind = %q, want empty", got)
	}
}

func TestTerminalKinds(t *testing.T) {
	cases := []struct {
		err      error
		terminal bool
		retry    bool
	}{
		{InputValidation("bad amount"), false, false},
		{PolicyRejection("risk score 96"), true, false},
		{InsufficientFunds("pool empty"), false, false},
		{DoubleSpend("key image seen"), true, false},
		{ProtocolViolation("invalid blind signature"), false, false},
		{Timeout("phase window elapsed"), false, true},
		{Transient("db busy", nil), false, true},
		{Fatal("state corruption", nil), true, false},
	}
	for _, tc := range cases {
		t.Run(string(KindOf(tc.err)), func(t *testing.T) {
			if got := IsTerminal(tc.err); got != tc.terminal {
				t.Errorf("IsTerminal = %v, want %v", got, tc.terminal)
			}
			if got := IsRetryable(tc.err); got != tc.retry {
				t.Errorf("IsRetryable = %v, want %v", got, tc.retry)
			}
		})
	}
}

func TestWithDetailsDoesNotMutateOriginal(t *testing.T) {
	orig := ProtocolViolation("missing output registration")
	annotated := orig.WithDetails("participant_id", "p1").WithDetails("phase", "OUTPUT_REGISTRATION")

	if len(orig.Details) != 0 {
		t.Errorf("original details mutated: %v", orig.Details)
	}
	if annotated.Details["participant_id"] != "p1" || annotated.Details["phase"] != "OUTPUT_REGISTRATION" {
		t.Errorf("annotated details incomplete: %v", annotated.Details)
	}
}

func TestErrorStringIncludesOpKindCause(t *testing.T) {
	err := Wrap(KindTimeout, "confirmation wait", New("deadline")).WithOp("engine.confirmOutput")
	want := "engine.confirmOutput: TIMEOUT: confirmation wait: deadline"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindInputValidation:   http.StatusBadRequest,
		KindPolicyRejection:   http.StatusForbidden,
		KindInsufficientFunds: http.StatusUnprocessableEntity,
		KindDoubleSpend:       http.StatusConflict,
		KindProtocolViolation: http.StatusConflict,
		KindTimeout:           http.StatusGatewayTimeout,
		KindTransient:         http.StatusServiceUnavailable,
		KindFatal:             http.StatusInternalServerError,
	}
	for kind, want := range cases {
		err := &Error{Kind: kind, Message: "x"}
		if got := HTTPStatus(err); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestIsMatchesOnKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", DoubleSpend("key image already spent"))
	if !Is(err, &Error{Kind: KindDoubleSpend}) {
		t.Error("Is should match taxonomy errors by kind")
	}
	if Is(err, &Error{Kind: KindTimeout}) {
		t.Error("Is must not match a different kind")
	}
}
