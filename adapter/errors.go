// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"errors"
	"fmt"
)

// Kind tags the failure class of an Error.
type Kind uint8

const (
	KindParameter Kind = iota + 1
	KindAllocation
	KindSocket
	KindTransport
	KindAuth
	KindChannelOpen
	KindProtocolReply
	KindUnexpectedReply
	KindNothingToClose
	KindNotOpen
	KindReceiverActive
	KindReceiverStopped
	KindUnroutable
	KindNotConfirmed
	KindAlreadyOpen
)

var kindNames = map[Kind]string{
	KindParameter:       "invalid parameter",
	KindAllocation:      "connection allocation failed",
	KindSocket:          "socket open failed",
	KindTransport:       "transport connect failed",
	KindAuth:            "login failed",
	KindChannelOpen:     "channel open failed",
	KindProtocolReply:   "protocol reply error",
	KindUnexpectedReply: "unexpected reply variant",
	KindNothingToClose:  "nothing to close",
	KindNotOpen:         "connection not open",
	KindReceiverActive:  "receiver already running",
	KindReceiverStopped: "receiver stopped",
	KindUnroutable:      "message returned unroutable",
	KindNotConfirmed:    "message not confirmed by broker",
	KindAlreadyOpen:     "connection not disconnected",
}

// String returns a human-readable name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Code returns the signed status code historically reported for the kind.
// Codes are distinct only within one operation: connect uses -1..-6,
// disconnect uses -1 and -4, every reply failure is -1.
func (k Kind) Code() int {
	switch k {
	case KindParameter, KindProtocolReply, KindUnexpectedReply, KindUnroutable, KindNotConfirmed:
		return -1
	case KindAllocation:
		return -2
	case KindSocket:
		return -3
	case KindTransport, KindNothingToClose:
		return -4
	case KindAuth:
		return -5
	case KindChannelOpen:
		return -6
	case KindNotOpen:
		return -7
	case KindReceiverActive:
		return -8
	case KindReceiverStopped:
		return -9
	case KindAlreadyOpen:
		return -10
	default:
		return -1
	}
}

// Error is the failure returned by every client operation.
//   - Op:    operation that failed, e.g. "declare exchange"
//   - Kind:  failure class
//   - Reply: classified broker reply, zero unless the failure came from a reply
//   - Err:   underlying cause
type Error struct {
	Op    string
	Kind  Kind
	Reply Reply
	Err   error
}

// Error implements the error interface for Error.
func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return "rabbit: " + e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("rabbit: %s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("rabbit: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("rabbit: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels, so errors.Is(err, ErrAuth) holds for any login failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}

	return t.Kind == e.Kind
}

var (
	ErrParameter       = &Error{Kind: KindParameter}
	ErrAllocation      = &Error{Kind: KindAllocation}
	ErrSocket          = &Error{Kind: KindSocket}
	ErrTransport       = &Error{Kind: KindTransport}
	ErrAuth            = &Error{Kind: KindAuth}
	ErrChannelOpen     = &Error{Kind: KindChannelOpen}
	ErrProtocolReply   = &Error{Kind: KindProtocolReply}
	ErrUnexpectedReply = &Error{Kind: KindUnexpectedReply}
	ErrNothingToClose  = &Error{Kind: KindNothingToClose}
	ErrNotOpen         = &Error{Kind: KindNotOpen}
	ErrReceiverActive  = &Error{Kind: KindReceiverActive}
	ErrReceiverStopped = &Error{Kind: KindReceiverStopped}
	ErrUnroutable      = &Error{Kind: KindUnroutable}
	ErrNotConfirmed    = &Error{Kind: KindNotConfirmed}
	ErrAlreadyOpen     = &Error{Kind: KindAlreadyOpen}
)

// Code converts an operation result into its signed status code: 0 for nil,
// the kind code for an *Error and -1 for anything else.
func Code(err error) int {
	if err == nil {
		return 0
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind.Code()
	}

	return -1
}

// ParameterError describes which argument was rejected before any network I/O.
type ParameterError struct {
	Field string
}

// Error implements the error interface for ParameterError.
func (e ParameterError) Error() string {
	return fmt.Sprintf("empty or invalid %s", e.Field)
}

func newError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func paramError(op, field string) *Error {
	return newError(op, KindParameter, ParameterError{Field: field})
}
