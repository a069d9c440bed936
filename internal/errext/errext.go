// Package errext carries the error taxonomy shared across the capture,
// compare, and command layers. Every failure that reaches the result stream
// is classified by Kind so reporting and exit codes stay uniform.
package errext

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	Config            Kind = "config"
	Discovery         Kind = "discovery"
	BrowserLaunch     Kind = "browser-launch"
	BrowserCrashed    Kind = "browser-crashed"
	NavigationTimeout Kind = "navigation-timeout"
	ReadyTimeout      Kind = "ready-timeout"
	StoryRootTimeout  Kind = "story-root-timeout"
	CdpProtocol       Kind = "cdp-protocol"
	Decode            Kind = "decode"
	Io                Kind = "io"
	Cancelled         Kind = "cancelled"
)

// Exit codes for the snapvrt CLI.
const (
	ExitOK     = 0 // all snapshots passed
	ExitDiffs  = 1 // any fail, new, or error outcome
	ExitConfig = 2 // configuration error, run aborted
)

// Error is a classified failure. Stage is set when the failure happened
// inside the capture pipeline (e.g. "navigate", "ready").
type Error struct {
	Kind    Kind
	Stage   string
	Message string
	wrapped error
}

// HasKind is implemented by errors that carry a taxonomy Kind.
type HasKind interface {
	error
	ErrorKind() Kind
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// ErrorKind implements HasKind.
func (e *Error) ErrorKind() Kind { return e.Kind }

// New builds a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it for errors.Is/As.
func Wrap(kind Kind, err error, context string) *Error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if context != "" {
		msg = context + ": " + msg
	}
	return &Error{Kind: kind, Message: msg, wrapped: err}
}

// WithStage returns a copy of the error annotated with a pipeline stage.
func (e *Error) WithStage(stage string) *Error {
	c := *e
	c.Stage = stage
	return &c
}

// KindOf extracts the Kind from an error chain.
func KindOf(err error) (Kind, bool) {
	var hk HasKind
	if errors.As(err, &hk) {
		return hk.ErrorKind(), true
	}
	return "", false
}

// StageOf extracts the pipeline stage from an error chain, if any.
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}
