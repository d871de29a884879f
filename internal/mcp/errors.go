package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code is the closed taxonomy of failure classes this package surfaces
// (spec §7). Every Error carries exactly one Code.
type Code int

const (
	_ Code = iota
	CodeTransportStartFailure
	CodeHandshakeFailure
	CodeTimeout
	CodeExpired
	CodeConnectionClosed
	CodeProtocolError
	CodeServerError
	CodeToolError
	CodeNotFound
	CodeNotReady
	CodeAlreadyExists
	CodeUnknownTransport
)

func (c Code) String() string {
	switch c {
	case CodeTransportStartFailure:
		return "TransportStartFailure"
	case CodeHandshakeFailure:
		return "HandshakeFailure"
	case CodeTimeout:
		return "Timeout"
	case CodeExpired:
		return "Expired"
	case CodeConnectionClosed:
		return "ConnectionClosed"
	case CodeProtocolError:
		return "ProtocolError"
	case CodeServerError:
		return "ServerError"
	case CodeToolError:
		return "ToolError"
	case CodeNotFound:
		return "NotFound"
	case CodeNotReady:
		return "NotReady"
	case CodeAlreadyExists:
		return "AlreadyExists"
	case CodeUnknownTransport:
		return "UnknownTransport"
	default:
		return "Unknown"
	}
}

// Error is the tagged error every failure in this package surfaces as. It
// carries the server id and, where applicable, the method and request id
// (spec §7), so callers can match on Code via errors.Is/errors.As instead of
// string-matching a message.
type Error struct {
	Code      Code
	ServerID  string
	Method    string
	RequestID int64
	Message   string
	Data      json.RawMessage // verbatim server payload for ServerError/ToolError
	ServerCode int            // the JSON-RPC error code, for ServerError
	Err       error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Code.String())
	if e.ServerID != "" {
		fmt.Fprintf(&sb, " server=%s", e.ServerID)
	}
	if e.Method != "" {
		fmt.Fprintf(&sb, " method=%s", e.Method)
	}
	if e.RequestID != 0 {
		fmt.Fprintf(&sb, " id=%d", e.RequestID)
	}
	if e.Message != "" {
		fmt.Fprintf(&sb, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// Is makes every *Error with the same Code match the given sentinel (e.g.
// ErrTimeout), regardless of server id, method, or wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinel errors for the taxonomy entries callers most commonly match on.
var (
	ErrTimeout          = &Error{Code: CodeTimeout, Message: "per-call deadline expired"}
	ErrExpired          = &Error{Code: CodeExpired, Message: "janitor expired a stale pending request"}
	ErrConnectionClosed = &Error{Code: CodeConnectionClosed, Message: "connection closed"}
	ErrNotFound         = &Error{Code: CodeNotFound, Message: "server not found"}
	ErrNotReady         = &Error{Code: CodeNotReady, Message: "server not yet connected"}
	ErrAlreadyExists    = &Error{Code: CodeAlreadyExists, Message: "server already registered"}
	ErrUnknownTransport = &Error{Code: CodeUnknownTransport, Message: "no strategy supports this transport type"}
)

type errOption func(*Error)

func withMethod(method string) errOption { return func(e *Error) { e.Method = method } }
func withRequestID(id int64) errOption    { return func(e *Error) { e.RequestID = id } }
func withMessage(msg string) errOption    { return func(e *Error) { e.Message = msg } }
func withData(data json.RawMessage) errOption {
	return func(e *Error) { e.Data = data }
}
func withServerCode(code int) errOption { return func(e *Error) { e.ServerCode = code } }
func withErr(err error) errOption {
	return func(e *Error) {
		e.Err = err
		if e.Message == "" && err != nil {
			e.Message = err.Error()
		}
	}
}

func newError(code Code, serverID string, opts ...errOption) *Error {
	e := &Error{Code: code, ServerID: serverID}
	for _, o := range opts {
		o(e)
	}
	return e
}
