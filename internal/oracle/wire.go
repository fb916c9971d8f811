// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package oracle

import (
	"encoding/binary"
	"fmt"

	"github.com/vanadium-project/vanadium/internal/codec"
	"github.com/vanadium-project/vanadium/internal/merkle"
	"github.com/vanadium-project/vanadium/internal/pagemodel"
)

// The wire encodings below are deliberately flat and manual rather than a
// generated schema: the message set is small and fixed, and the teacher
// repo reserves that kind of machinery (protobuf) for its host-facing
// management API, not for the tight request/response loop a transport
// round trip like this one needs.

func putProof(buf []byte, proof []merkle.ProofStep) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(proof)))
	for _, step := range proof {
		buf = append(buf, step.Op)
		buf = append(buf, step.Digest[:]...)
	}
	return buf
}

func getProof(buf []byte) ([]merkle.ProofStep, []byte, error) {
	if len(buf) < 2 {
		return nil, nil, fmt.Errorf("oracle: wire: truncated proof length")
	}
	n := binary.BigEndian.Uint16(buf)
	buf = buf[2:]
	proof := make([]merkle.ProofStep, n)
	for i := range proof {
		if len(buf) < 1+32 {
			return nil, nil, fmt.Errorf("oracle: wire: truncated proof step %d", i)
		}
		proof[i].Op = buf[0]
		copy(proof[i].Digest[:], buf[1:33])
		buf = buf[33:]
	}
	return proof, buf, nil
}

func encodeGetPageRequest(kind pagemodel.Kind, pageIndex uint32) []byte {
	buf := make([]byte, 0, 5)
	buf = append(buf, byte(kind))
	buf = binary.BigEndian.AppendUint32(buf, pageIndex)
	return buf
}

func decodeGetPageRequest(buf []byte) (pagemodel.Kind, uint32, error) {
	if len(buf) != 5 {
		return 0, 0, fmt.Errorf("oracle: wire: bad GetPage request length %d", len(buf))
	}
	return pagemodel.Kind(buf[0]), binary.BigEndian.Uint32(buf[1:]), nil
}

func encodeGetPageResponse(r GetPageResponse) []byte {
	buf := make([]byte, 0, codec.PageSize+4+2+32)
	buf = append(buf, r.Ciphertext[:]...)
	buf = binary.BigEndian.AppendUint32(buf, r.Counter)
	buf = append(buf, r.HMAC[:]...)
	buf = putProof(buf, r.MerkleProof)
	return buf
}

func decodeGetPageResponse(buf []byte) (GetPageResponse, error) {
	var r GetPageResponse
	if len(buf) < codec.PageSize+4+32 {
		return r, fmt.Errorf("oracle: wire: truncated GetPage response")
	}
	copy(r.Ciphertext[:], buf[:codec.PageSize])
	buf = buf[codec.PageSize:]
	r.Counter = binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	copy(r.HMAC[:], buf[:32])
	buf = buf[32:]
	proof, _, err := getProof(buf)
	if err != nil {
		return r, err
	}
	r.MerkleProof = proof
	return r, nil
}

func encodeCommitPageRequest(req CommitPageRequest) []byte {
	buf := make([]byte, 0, 1+4+4+codec.PageSize+4)
	buf = append(buf, byte(req.Kind))
	buf = binary.BigEndian.AppendUint32(buf, req.PageIndex)
	buf = binary.BigEndian.AppendUint32(buf, req.Addr)
	buf = append(buf, req.Ciphertext[:]...)
	buf = binary.BigEndian.AppendUint32(buf, req.NewCounter)
	buf = putProof(buf, req.UpdateProof)
	return buf
}

func decodeCommitPageRequest(buf []byte) (CommitPageRequest, error) {
	var req CommitPageRequest
	if len(buf) < 1+4+4+codec.PageSize+4 {
		return req, fmt.Errorf("oracle: wire: truncated CommitPage request")
	}
	req.Kind = pagemodel.Kind(buf[0])
	buf = buf[1:]
	req.PageIndex = binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	req.Addr = binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	copy(req.Ciphertext[:], buf[:codec.PageSize])
	buf = buf[codec.PageSize:]
	req.NewCounter = binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	proof, _, err := getProof(buf)
	if err != nil {
		return req, err
	}
	req.UpdateProof = proof
	return req, nil
}

func encodeCommitPageResponse(r CommitPageResponse) []byte {
	return append([]byte{}, r.NewMerkleRoot[:]...)
}

func decodeCommitPageResponse(buf []byte) (CommitPageResponse, error) {
	var r CommitPageResponse
	if len(buf) != 32 {
		return r, fmt.Errorf("oracle: wire: bad CommitPage response length %d", len(buf))
	}
	copy(r.NewMerkleRoot[:], buf)
	return r, nil
}
