// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package oracle

import "github.com/vanadium-project/vanadium/internal/pagemodel"

// Faulty wraps an Oracle and lets tests corrupt individual responses,
// exercising the adversarial scenarios (tampered ciphertext, tampered
// proof, replayed page, dropped commit) without teaching Mock itself to
// misbehave.
type Faulty struct {
	Backend Oracle

	// TamperGetPage, when set, is applied to every GetPageResponse before
	// it's returned.
	TamperGetPage func(GetPageResponse) GetPageResponse

	// ReplayPage, when set, is returned verbatim instead of calling
	// Backend.GetPage, simulating the host handing back a stale version of
	// a page it has since accepted a newer commit for.
	ReplayPage *GetPageResponse

	// DropCommit, when true, makes CommitPage return success without
	// forwarding the write to Backend, simulating a host that
	// acknowledges a commit and then silently discards it.
	DropCommit bool

	// TamperCommitResponse, when set, is applied to the CommitPageResponse
	// the backend returns, simulating a host lying about the resulting
	// root.
	TamperCommitResponse func(CommitPageResponse) CommitPageResponse
}

func (f *Faulty) GetPage(kind pagemodel.Kind, pageIndex uint32) (GetPageResponse, error) {
	if f.ReplayPage != nil {
		return *f.ReplayPage, nil
	}
	resp, err := f.Backend.GetPage(kind, pageIndex)
	if err != nil {
		return resp, err
	}
	if f.TamperGetPage != nil {
		resp = f.TamperGetPage(resp)
	}
	return resp, nil
}

func (f *Faulty) CommitPage(req CommitPageRequest) (CommitPageResponse, error) {
	if f.DropCommit {
		// Acknowledge without writing anything back; the zero root will
		// fail the caller's independent verification, the same way a real
		// dropped write would leave the tree unrecomputed.
		return CommitPageResponse{}, nil
	}
	resp, err := f.Backend.CommitPage(req)
	if err != nil {
		return resp, err
	}
	if f.TamperCommitResponse != nil {
		resp = f.TamperCommitResponse(resp)
	}
	return resp, nil
}

func (f *Faulty) Exchange(payload []byte) ([]byte, error) {
	return f.Backend.Exchange(payload)
}
