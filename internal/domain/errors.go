package domain

import (
	"errors"
	"fmt"
)

// Error kinds used for metrics labels and for the error text fed back to agents.
const (
	KindConnection = "connection"
	KindAuth       = "auth"
	KindValidation = "validation"
	KindToolExec   = "tool_execution"
	KindDispatch   = "dispatch"
	KindDelivery   = "delivery"
	KindUnknown    = "unknown"
)

// ConnectionError is a transient transport failure. It is absorbed by the
// stream manager's reconnect loop and never surfaced per message.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string { return wrapMsg("connection", e.Op, e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError means the platform rejected our credentials. New sessions are
// halted until credentials are refreshed.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return wrapMsg("auth", e.Op, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError covers malformed inbound frames and tool input/output
// that does not match its schema.
type ValidationError struct {
	Op    string
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return wrapMsg("validation", e.Op+" ["+e.Field+"]", e.Err)
	}
	return wrapMsg("validation", e.Op, e.Err)
}
func (e *ValidationError) Unwrap() error { return e.Err }

// ToolExecutionError is a timeout or downstream failure inside a tool handler.
type ToolExecutionError struct {
	Tool    string
	Timeout bool
	Err     error
}

func (e *ToolExecutionError) Error() string {
	op := e.Tool
	if e.Timeout {
		op += " (timeout)"
	}
	return wrapMsg("tool execution", op, e.Err)
}
func (e *ToolExecutionError) Unwrap() error { return e.Err }

// DispatchError is raised when no agent matches a message or an agent asks
// for a tool outside its declared set.
type DispatchError struct {
	Op  string
	Err error
}

func (e *DispatchError) Error() string { return wrapMsg("dispatch", e.Op, e.Err) }
func (e *DispatchError) Unwrap() error { return e.Err }

// DeliveryError is a non-retryable reply failure (4xx from the reply API).
type DeliveryError struct {
	Status int
	Err    error
}

func (e *DeliveryError) Error() string {
	return wrapMsg("delivery", fmt.Sprintf("status %d", e.Status), e.Err)
}
func (e *DeliveryError) Unwrap() error { return e.Err }

func wrapMsg(kind, op string, err error) string {
	switch {
	case op == "" && err == nil:
		return kind + " error"
	case err == nil:
		return kind + " error: " + op
	case op == "":
		return kind + " error: " + err.Error()
	}
	return kind + " error: " + op + ": " + err.Error()
}

func IsConnection(err error) bool {
	var e *ConnectionError
	return errors.As(err, &e)
}

func IsAuth(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsToolExec(err error) bool {
	var e *ToolExecutionError
	return errors.As(err, &e)
}

func IsDispatch(err error) bool {
	var e *DispatchError
	return errors.As(err, &e)
}

func IsDelivery(err error) bool {
	var e *DeliveryError
	return errors.As(err, &e)
}

// Kind returns the taxonomy label of err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsAuth(err):
		return KindAuth
	case IsValidation(err):
		return KindValidation
	case IsToolExec(err):
		return KindToolExec
	case IsDispatch(err):
		return KindDispatch
	case IsDelivery(err):
		return KindDelivery
	case IsConnection(err):
		return KindConnection
	}
	return KindUnknown
}
