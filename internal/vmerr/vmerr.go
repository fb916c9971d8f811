// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package vmerr defines the fatal error taxonomy of the Vanadium SE session.
//
// Every kind other than Rejected ends the session: callers are expected to
// zeroise session state and return to idle as soon as one of these is
// observed, per the VM's no-local-recovery policy.
package vmerr

import "fmt"

// Kind identifies one of the fatal error classes the VM can raise.
type Kind int

const (
	// AuthFail covers MAC/HMAC mismatch, Merkle-proof mismatch and signature mismatch.
	AuthFail Kind = iota
	// Replay covers a counter mismatch on GetPage.
	Replay
	// Protocol covers a malformed message, out-of-range index, length mismatch or unexpected tag.
	Protocol
	// Resource covers Merkle size overflow, counter table exhaustion, or an unevictable cache.
	Resource
	// Transport covers a broken link to the host.
	Transport
	// VmFault covers bad access, misalignment, non-executable fetch, invalid opcode or ebreak.
	VmFault
	// Rejected is the only non-fatal kind: the user declined approval at registration.
	Rejected
)

func (k Kind) String() string {
	switch k {
	case AuthFail:
		return "AuthFail"
	case Replay:
		return "Replay"
	case Protocol:
		return "Protocol"
	case Resource:
		return "Resource"
	case Transport:
		return "Transport"
	case VmFault:
		return "VmFault"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Error is a Kind-tagged error. Session code type-asserts or uses errors.As
// to recover the Kind when deciding how to report a Fatal{kind} message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether Kind k ends the session (every kind except Rejected).
func (k Kind) Fatal() bool {
	return k != Rejected
}

// New builds an *Error of the given kind.
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Msg: msg}
}

// Wrap builds an *Error of the given kind, wrapping an underlying cause.
func Wrap(k Kind, msg string, err error) *Error {
	return &Error{Kind: k, Msg: msg, Err: err}
}
