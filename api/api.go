// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package api defines the wire protocol between the Vanadium SE and the
// host: message tags, frame layout and the USB identifiers used when the
// transport is HID. Frames are length-prefixed and carried over whatever
// transport is in use (HID on device, TCP on the emulator, in-process for
// tests) — see internal/oracle.
package api

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/u2f/u2fhid"
)

const (
	// http://pid.codes/1209/2702/
	VendorID  = 0x1209
	ProductID = 0x2702

	HIDUsagePage = 0xff00
)

// HIDCmdOracle is the single U2FHID vendor command carrying all oracle
// traffic; the actual message kind travels in the frame's Tag byte, not in
// the HID command byte, since one device connection serves every oracle
// method.
const HIDCmdOracle = u2fhid.VendorCommandFirst

// Tag identifies the kind of a wire message.
type Tag byte

const (
	TagGetPage         Tag = 0x01
	TagGetPageResp     Tag = 0x02
	TagCommitPage      Tag = 0x03
	TagCommitPageResp  Tag = 0x04
	TagExchange        Tag = 0x05
	TagExchangeResp    Tag = 0x06
	TagRegisterBegin   Tag = 0x10
	TagRegisterApprove Tag = 0x11
	TagRunApp          Tag = 0x12
	TagExit            Tag = 0x13
	TagFatal           Tag = 0xFF
)

func (t Tag) String() string {
	switch t {
	case TagGetPage:
		return "GetPage"
	case TagGetPageResp:
		return "GetPageResp"
	case TagCommitPage:
		return "CommitPage"
	case TagCommitPageResp:
		return "CommitPageResp"
	case TagExchange:
		return "Exchange"
	case TagExchangeResp:
		return "ExchangeResp"
	case TagRegisterBegin:
		return "RegisterBegin"
	case TagRegisterApprove:
		return "RegisterApprove"
	case TagRunApp:
		return "RunApp"
	case TagExit:
		return "Exit"
	case TagFatal:
		return "Fatal"
	default:
		return fmt.Sprintf("Tag(0x%02x)", byte(t))
	}
}

// MaxFrameLen bounds a single message's payload, precluding a malicious or
// confused host from asking us to allocate unbounded memory.
const MaxFrameLen = 1 << 20

// WriteFrame writes a length-prefixed message: 1-byte tag, 4-byte
// big-endian length, payload.
func WriteFrame(w io.Writer, tag Tag, payload []byte) error {
	if len(payload) > MaxFrameLen {
		return fmt.Errorf("api: frame payload too large (%d bytes)", len(payload))
	}
	hdr := make([]byte, 5)
	hdr[0] = byte(tag)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("api: write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("api: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed message.
func ReadFrame(r io.Reader) (Tag, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, fmt.Errorf("api: read frame header: %w", err)
	}
	tag := Tag(hdr[0])
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > MaxFrameLen {
		return 0, nil, fmt.Errorf("api: frame claims %d bytes, exceeds limit", n)
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("api: read frame payload: %w", err)
		}
	}
	return tag, payload, nil
}
