package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormat(t *testing.T) {
	err := &Error{
		Phase:  PhaseCall,
		Kind:   KindTrap,
		Detail: "guest execution trapped",
		Cause:  fmt.Errorf("unreachable"),
	}

	msg := err.Error()
	for _, want := range []string{"[call]", "trap", "guest execution trapped", "unreachable"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestSentinelMatching(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel *Error
	}{
		{"timeout", Timeout("deadline exceeded", nil), ErrTimeout},
		{"trap", Trap(fmt.Errorf("boom")), ErrTrap},
		{"oom", OutOfMemory("grow failed"), ErrOutOfMemory},
		{"not found", FunctionNotFound("missing"), ErrFunctionNotFound},
		{"denied", PermissionDenied("host example.com"), ErrPermissionDenied},
		{"invalid handle", InvalidHandle(16, 8), ErrInvalidHandle},
		{"integrity", Integrity("a.wasm", "aaaa", "bbbb"), ErrIntegrity},
		{"faulted", Faulted(nil), ErrFaulted},
		{"busy", Busy(), ErrBusy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !stderrors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false, want true", tt.err, tt.sentinel)
			}
		})
	}

	if stderrors.Is(Trap(nil), ErrTimeout) {
		t.Error("trap matched timeout sentinel")
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("io failure")
	err := Manifest(KindSource, "fetch url", cause)

	if !stderrors.Is(err, cause) {
		t.Error("wrapped cause not reachable through errors.Is")
	}

	var structured *Error
	if !stderrors.As(err, &structured) {
		t.Fatal("errors.As failed")
	}
	if structured.Kind != KindSource {
		t.Errorf("kind = %s, want %s", structured.Kind, KindSource)
	}
}
