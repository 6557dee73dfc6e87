package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every failure surfaced by the updater wraps exactly one of them.
var (
	ErrPrecondition     = errors.New("precondition failed")
	ErrNetwork          = errors.New("network error")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrAmbiguousState   = errors.New("ambiguous device state")
	ErrTimeout          = errors.New("timed out")
	ErrToolInvocation   = errors.New("tool invocation failed")
	ErrParse            = errors.New("unexpected tool output")
)

// Error attaches a kind and the failing operation to an underlying cause.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newf(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Preconditionf reports a violated run precondition such as the device count.
func Preconditionf(op, format string, args ...any) error {
	return newf(ErrPrecondition, op, format, args...)
}

// Ambiguousf reports a device-side state that admits no single interpretation.
func Ambiguousf(op, format string, args ...any) error {
	return newf(ErrAmbiguousState, op, format, args...)
}

// Timeoutf reports an exceeded wait bound.
func Timeoutf(op, format string, args ...any) error {
	return newf(ErrTimeout, op, format, args...)
}

// Parsef reports tool output that does not match the expected grammar.
func Parsef(op, format string, args ...any) error {
	return newf(ErrParse, op, format, args...)
}

// Network wraps a transport failure or a bad HTTP response.
func Network(op string, err error) error {
	return &Error{Kind: ErrNetwork, Op: op, Err: err}
}

// Networkf reports a bad HTTP response without an underlying error.
func Networkf(op, format string, args ...any) error {
	return newf(ErrNetwork, op, format, args...)
}

// ChecksumMismatchError reports a downloaded file whose digest differs from the published one.
type ChecksumMismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

func (e *ChecksumMismatchError) Is(target error) bool { return target == ErrChecksumMismatch }

// ToolInvocationError reports a failed adb or fastboot invocation.
type ToolInvocationError struct {
	Tool     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolInvocationError) Error() string {
	cmd := strings.TrimSpace(e.Tool + " " + strings.Join(e.Args, " "))
	msg := fmt.Sprintf("%s: %s", ErrToolInvocation.Error(), cmd)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ToolInvocationError) Is(target error) bool { return target == ErrToolInvocation }

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	case errors.Is(err, ErrPrecondition):
		return 2
	case errors.Is(err, ErrNetwork):
		return 3
	case errors.Is(err, ErrChecksumMismatch):
		return 4
	case errors.Is(err, ErrAmbiguousState):
		return 5
	case errors.Is(err, ErrTimeout):
		return 6
	case errors.Is(err, ErrToolInvocation):
		return 7
	case errors.Is(err, ErrParse):
		return 8
	default:
		return 1
	}
}

// Retryable reports whether the download loop may retry after err.
func Retryable(err error) bool {
	return errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrNetwork)
}
