package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassifyOutput(t *testing.T) {
	cases := []struct {
		name string
		text string
		want Class
	}{
		{name: "rate limit", text: "Error: rate limit exceeded, retry later", want: ClassTemporary},
		{name: "overloaded", text: `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, want: ClassTemporary},
		{name: "status code", text: "API Error: 529 upstream", want: ClassTemporary},
		{name: "http 503", text: "request failed: HTTP 503", want: ClassTemporary},
		{name: "timed out", text: "request timed out after 60s", want: ClassTemporary},
		{name: "token rate", text: "exceeded tokens per min quota", want: ClassTemporary},
		{name: "auth", text: "invalid api key", want: ClassPermanent},
		{name: "field name only", text: `{"rate_limit_tokens": 0, "timeout_ms": 1200, "result":"bad flag"}`, want: ClassPermanent},
		{name: "generic field names", text: `{"overloaded": false, "timeout": 30}` + "\nunknown option --foo", want: ClassPermanent},
		{name: "bare number", text: "wrote 500 lines", want: ClassPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := ClassifyOutput(tc.text)
			if got != tc.want {
				t.Fatalf("ClassifyOutput(%q) = %s (%q), want %s", tc.text, got, reason, tc.want)
			}
		})
	}
}

func TestClassifyOutput_PermanentReasonIsFirstLine(t *testing.T) {
	_, reason := ClassifyOutput("\n\n  unknown option --bogus\nusage: ...")
	if reason != "unknown option --bogus" {
		t.Fatalf("reason=%q", reason)
	}
}

func TestLooksLikeServerError(t *testing.T) {
	if !LooksLikeServerError("API Error: 500 Internal Server Error") {
		t.Fatal("expected server error")
	}
	if !LooksLikeServerError("model is overloaded") {
		t.Fatal("expected overloaded to count as server error")
	}
	if LooksLikeServerError("status 429 too many requests") {
		t.Fatal("429 is a rate limit, not a server error")
	}
	if LooksLikeServerError("done, nothing to report") {
		t.Fatal("unexpected server error match")
	}
}

func TestClassOf_InterruptionWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := fmt.Errorf("dispatch: %w", Interrupted(ctx, "dispatch"))
	if got := ClassOf(err); got != ClassInterrupted {
		t.Fatalf("class=%s", got)
	}
	wrapped := &TemporaryError{Stage: "worker", Reason: "timeout"}
	if got := ClassOf(errors.Join(wrapped, context.Canceled)); got != ClassInterrupted {
		t.Fatalf("cancellation should dominate temporary, got %s", got)
	}
}

func TestClassOf_Kinds(t *testing.T) {
	if ClassOf(nil) != "" {
		t.Fatal("nil error should have no class")
	}
	if got := ClassOf(&TemporaryError{SessionID: "s"}); got != ClassTemporary {
		t.Fatalf("got %s", got)
	}
	if got := ClassOf(fmt.Errorf("x: %w", Violation(KindGuard, "plan.md", "modified"))); got != ClassInvariant {
		t.Fatalf("got %s", got)
	}
	if got := ClassOf(errors.New("boom")); got != ClassPermanent {
		t.Fatalf("got %s", got)
	}
	if got := SessionOf(fmt.Errorf("wrap: %w", &TemporaryError{SessionID: "S1"})); got != "S1" {
		t.Fatalf("session=%q", got)
	}
}

func TestTemporaryError_MessageIncludesDiagnostics(t *testing.T) {
	err := &TemporaryError{
		Stage:     "worker",
		SessionID: "abc",
		Reason:    "empty final message",
		Diagnostics: map[string]any{
			"retries_left": 0,
			"prompt_bytes": 1200,
		},
	}
	msg := err.Error()
	for _, want := range []string{"worker", "abc", "prompt_bytes=1200", "retries_left=0"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
	if strings.Index(msg, "prompt_bytes") > strings.Index(msg, "retries_left") {
		t.Fatalf("diagnostics should be sorted: %q", msg)
	}
}
