// Package errors provides the node's error taxonomy. Every error surfaced
// on a message path or an RPC path is one of the Kinds below; none of them
// carry an HTTP status, since this node has no HTTP error surface.
package errors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the taxonomy entries from the error handling design.
type Kind string

const (
	KindAddressInvalid       Kind = "address_invalid"
	KindPermissionDenied     Kind = "permission_denied"
	KindTimeout              Kind = "timeout"
	KindOffline              Kind = "offline"
	KindRPCError             Kind = "rpc_error"
	KindRPCMalformedResponse Kind = "rpc_malformed_response"
	KindRPCTimeout           Kind = "rpc_timeout"
	KindNoRPCForChain        Kind = "no_rpc_for_chain"
	KindSubscriptionClosed   Kind = "subscription_closed"
	KindMalformedRequest     Kind = "malformed_request"
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
	KindIO                   Kind = "io"
)

// NodeError is a structured error carrying a taxonomy Kind plus optional
// details and an optional wrapped cause.
type NodeError struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *NodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *NodeError) Unwrap() error { return e.Err }

// WithDetails attaches a key/value pair for diagnostics and returns the
// receiver for chaining.
func (e *NodeError) WithDetails(key string, value any) *NodeError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Retryable reports whether the router or multiplexer may retry a request
// that failed with this error, per the single documented retry points in
// the error handling design (RPC retry, indexer parent-hash backoff,
// metadata-fetch retry). Terminal kinds (AddressInvalid, PermissionDenied,
// MalformedRequest) are never retryable.
func (e *NodeError) Retryable() bool {
	switch e.Kind {
	case KindRPCError, KindRPCTimeout, KindIO:
		return true
	default:
		return false
	}
}

// New constructs a NodeError of the given kind.
func New(kind Kind, message string) *NodeError {
	return &NodeError{Kind: kind, Message: message}
}

// Wrap constructs a NodeError of the given kind wrapping an existing error.
func Wrap(kind Kind, message string, err error) *NodeError {
	return &NodeError{Kind: kind, Message: message, Err: err}
}

// Is reports whether err's Kind (if it is a *NodeError) equals kind.
func Is(err error, kind Kind) bool {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne.Kind == kind
	}
	return false
}

// Convenience constructors, mirroring one taxonomy entry each.

func AddressInvalid(address string) *NodeError {
	return New(KindAddressInvalid, "address failed identifier validation").WithDetails("address", address)
}

func PermissionDenied(reason string) *NodeError {
	return New(KindPermissionDenied, reason)
}

func Timeout(id uint64) *NodeError {
	return New(KindTimeout, "request timed out").WithDetails("id", id)
}

func Offline(node string) *NodeError {
	return New(KindOffline, "peer unreachable").WithDetails("node", node)
}

func RPCError(value any) *NodeError {
	return New(KindRPCError, "upstream rpc error").WithDetails("value", value)
}

func RPCMalformedResponse(provider string, err error) *NodeError {
	return Wrap(KindRPCMalformedResponse, "provider returned malformed response", err).WithDetails("provider", provider)
}

func RPCTimeout(provider string) *NodeError {
	return New(KindRPCTimeout, "rpc did not reply within deadline").WithDetails("provider", provider)
}

func NoRPCForChain(chainID uint64) *NodeError {
	return New(KindNoRPCForChain, "no usable provider for chain").WithDetails("chain_id", chainID)
}

func SubscriptionClosed(subID string) *NodeError {
	return New(KindSubscriptionClosed, "upstream subscription ended").WithDetails("sub_id", subID)
}

func MalformedRequest(reason string) *NodeError {
	return New(KindMalformedRequest, reason)
}

func NotFound(resource, id string) *NodeError {
	return New(KindNotFound, "resource not found").WithDetails("resource", resource).WithDetails("id", id)
}

func Conflict(reason string) *NodeError {
	return New(KindConflict, reason)
}

func IO(op string, err error) *NodeError {
	return Wrap(KindIO, "io operation failed", err).WithDetails("op", op)
}
