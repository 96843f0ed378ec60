package executor

import (
	"context"
	"errors"
	"fmt"
)

type (
	// Executor runs one command line on the target host. Every call is a
	// complete round trip: implementations may pool connections, but
	// callers must tolerate fresh connection setup (and its failures) on
	// each call.
	Executor interface {
		Run(ctx context.Context, command string, stdin string) (*Result, error)
	}

	Result struct {
		ExitCode int
		Stdout   string
		Stderr   string
	}

	// TransportError marks failures of the channel itself (dial,
	// authentication, dropped session) as opposed to a command that ran
	// and exited non-zero.
	TransportError struct {
		Op  string
		Err error
	}
)

func (r *Result) Success() bool {
	return r.ExitCode == 0
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a transport failure, meaning the remote
// state after the call is unknown rather than confirmed.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
