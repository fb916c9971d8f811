// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package rpc holds the argument/reply structs for the host-side control
// plane: registering a V-App and launching it. These are gob-encoded and
// carried as the payload of the api.TagRegisterBegin/
// TagRegisterApprove/TagRunApp/TagExit frames (see cmd/vanadium-se), the
// same length-prefixed transport the oracle protocol rides — a real device
// has exactly one HID pipe to the host, so control and oracle traffic share
// it rather than opening a second channel.
package rpc

// RegisterArgs requests that a manifest be registered as a new V-App.
//
// StaticKeyMaterial is an optional KeyAES1||KeyHMAC1 pair (64 bytes) the
// caller wants registered instead of the SE minting its own. The protocol's
// default is for the SE to generate these at random (spec §4.7); the override
// exists because a build tool, not the device, is the party that actually
// produces the CODE ciphertext matching manifest.CodeRoot, so it must already
// hold the keys it encrypted under before registration ever runs. See
// DESIGN.md for the provisioning gap this papers over.
type RegisterArgs struct {
	ManifestBytes     []byte
	StaticKeyMaterial []byte
}

// RegisterReply carries the outcome of registration: vapp_hash for display,
// and the sealed blob of KeyAES1/KeyHMAC1 the host must present back at
// every RunArgs (spec §4.7: "static keys... persisted encrypted on host").
type RegisterReply struct {
	Name       string
	AppHash    [32]byte
	SealedKeys []byte

	// Approval is a signed note (internal/manifest.SignApproval) attesting
	// that this registration was approved at the device, independent of
	// the manifest's own Ledger signature.
	Approval string
}

// RunArgs requests that a previously registered V-App be started, handing
// back the sealed key blob issued at registration.
//
// DynKeyMaterial is an optional KeyAES2||KeyHMAC2 pair (64 bytes), parallel
// to RegisterArgs.StaticKeyMaterial: a real device always lets the SE mint
// these per session, but a manifest signed ahead of time against a fixed
// DATA root needs the same dynamic key on every run, not a fresh one. See
// DESIGN.md.
type RunArgs struct {
	Name           string
	ManifestBytes  []byte
	SealedKeys     []byte
	DynKeyMaterial []byte
}

// RunReply carries a run's outcome.
type RunReply struct {
	ExitCode int32
	Fault    string
}

// StatusArgs requests the session's current status; it carries no fields.
type StatusArgs struct{}

// StatusReply describes the session's current state.
type StatusReply struct {
	Running          bool
	CurrentVApp      string
	Registered       []string
	InstructionCount uint64
}

// UninstallArgs requests removal of a registered V-App.
type UninstallArgs struct {
	Name string
}

// UninstallReply carries the outcome of an uninstall request.
type UninstallReply struct {
	Removed bool
}
