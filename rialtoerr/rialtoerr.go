// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rialtoerr holds the sentinel error kinds of the RPC runtime's
// error taxonomy as typed, package-level values rather than raw strings.
package rialtoerr

import "errors"

// Kind classifies a runtime failure per the error taxonomy.
type Kind int

const (
	_ Kind = iota
	ConnectionLost
	SendFailed
	Timeout
	ParseFailed
	FdMismatch
	MessageTooLarge
	UnknownService
	UnknownMethod
	HandlerFailed
	Truncated
)

func (k Kind) String() string {
	switch k {
	case ConnectionLost:
		return "connection lost"
	case SendFailed:
		return "send failed"
	case Timeout:
		return "timed out"
	case ParseFailed:
		return "parse failed"
	case FdMismatch:
		return "mismatched file descriptors"
	case MessageTooLarge:
		return "message too big"
	case UnknownService:
		return "unknown service"
	case UnknownMethod:
		return "unknown method"
	case HandlerFailed:
		return "handler failed"
	case Truncated:
		return "truncated message"
	default:
		return "unknown error"
	}
}

// Error wraps a Kind with a human-readable reason, the same text that
// crosses the wire in an Error envelope or is returned to a completion.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Kind.String()
	}
	return e.Reason
}

// New builds an *Error with the kind's default reason.
func New(kind Kind) *Error {
	return &Error{Kind: kind, Reason: kind.String()}
}

// Newf builds an *Error with a custom reason string.
func Newf(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Is enables errors.Is matching by kind: e matches any target that is (or
// wraps) an *Error with the same Kind, whatever its Reason.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}
