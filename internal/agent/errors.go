package agent

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies why an agent call failed
type ErrorKind string

const (
	ErrTransient ErrorKind = "transient" // Backend unavailable or erroring; worth retrying
	ErrMalformed ErrorKind = "malformed" // Response could not be decoded or failed validation
	ErrTimeout   ErrorKind = "timeout"   // Call exceeded its deadline
)

// AgentError is a classified agent failure. It never leaves the gateway;
// it is logged and summarized in the fallback output.
type AgentError struct {
	Agent Kind
	Kind  ErrorKind
	Err   error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("%s agent: %s: %v", e.Agent, e.Kind, e.Err)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed
func (e *AgentError) Retryable() bool {
	return e.Kind == ErrTransient
}

func classify(agent Kind, err error) *AgentError {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &AgentError{Agent: agent, Kind: ErrTimeout, Err: err}
	}
	return &AgentError{Agent: agent, Kind: ErrTransient, Err: err}
}

func malformed(agent Kind, err error) *AgentError {
	return &AgentError{Agent: agent, Kind: ErrMalformed, Err: err}
}
