// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package manifest

import (
	"fmt"

	"golang.org/x/mod/sumdb/note"
)

// SignApproval produces a signed note attesting that registration of
// (name, vapp_hash) was approved. This is independent of the manifest's own
// Ledger signature: it is the SE vouching for the approval decision it made
// (the on-device prompt), the same role the teacher's attestNote plays for
// a witness ID attestation (witness_applet/trusted_applet/key.go), just with
// a different text body.
func SignApproval(signer note.Signer, name string, vappHash [32]byte) (string, error) {
	n := &note.Note{
		Text: fmt.Sprintf("vanadium registration approval v1\n%s\n%x\n", name, vappHash),
	}
	signed, err := note.Sign(n, signer)
	if err != nil {
		return "", fmt.Errorf("manifest: sign approval note: %w", err)
	}
	return string(signed), nil
}

// OpenApproval verifies a signed approval note against verifiers, returning
// its text.
func OpenApproval(signed string, verifiers note.Verifiers) (string, error) {
	n, err := note.Open([]byte(signed), verifiers)
	if err != nil {
		return "", fmt.Errorf("manifest: open approval note: %w", err)
	}
	return n.Text, nil
}
