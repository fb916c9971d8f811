// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build !tamago
// +build !tamago

package oracle

import (
	"bytes"
	"fmt"

	flynn_hid "github.com/flynn/hid"
	"github.com/flynn/u2f/u2fhid"

	"github.com/vanadium-project/vanadium/api"
	"github.com/vanadium-project/vanadium/internal/pagemodel"
)

// HIDOracle is the device-facing transport: on real hardware the SE is
// reached as a U2FHID device, one vendor command (api.HIDCmdOracle)
// carrying every oracle message, with the frame's Tag byte distinguishing
// GetPage/CommitPage/Exchange the same way TCPOracle does over a socket.
type HIDOracle struct {
	dev *u2fhid.Device
}

// OpenHID scans attached HID devices for the Vanadium SE and opens it,
// exactly the way cmd/witnessctl locates the armored witness device.
func OpenHID() (*HIDOracle, error) {
	devices, err := flynn_hid.Devices()
	if err != nil {
		return nil, fmt.Errorf("oracle: enumerate HID devices: %w", err)
	}

	for _, d := range devices {
		if d.UsagePage != api.HIDUsagePage || d.VendorID != api.VendorID || d.ProductID != api.ProductID {
			continue
		}
		dev, err := u2fhid.Open(d)
		if err != nil {
			return nil, fmt.Errorf("oracle: open HID device: %w", err)
		}
		return &HIDOracle{dev: dev}, nil
	}

	return nil, fmt.Errorf("oracle: no Vanadium SE device found")
}

func (h *HIDOracle) call(tag api.Tag, req []byte, wantTag api.Tag) ([]byte, error) {
	var frame bytes.Buffer
	if err := api.WriteFrame(&frame, tag, req); err != nil {
		return nil, err
	}

	res, err := h.dev.Command(api.HIDCmdOracle, frame.Bytes())
	if err != nil {
		return nil, fmt.Errorf("oracle: HID command: %w", err)
	}

	gotTag, payload, err := api.ReadFrame(bytes.NewReader(res))
	if err != nil {
		return nil, err
	}
	if gotTag == api.TagFatal {
		return nil, fmt.Errorf("oracle: device reported fatal error: %s", payload)
	}
	if gotTag != wantTag {
		return nil, fmt.Errorf("oracle: expected %s, got %s", wantTag, gotTag)
	}
	return payload, nil
}

func (h *HIDOracle) GetPage(kind pagemodel.Kind, pageIndex uint32) (GetPageResponse, error) {
	payload, err := h.call(api.TagGetPage, encodeGetPageRequest(kind, pageIndex), api.TagGetPageResp)
	if err != nil {
		return GetPageResponse{}, err
	}
	return decodeGetPageResponse(payload)
}

func (h *HIDOracle) CommitPage(req CommitPageRequest) (CommitPageResponse, error) {
	payload, err := h.call(api.TagCommitPage, encodeCommitPageRequest(req), api.TagCommitPageResp)
	if err != nil {
		return CommitPageResponse{}, err
	}
	return decodeCommitPageResponse(payload)
}

func (h *HIDOracle) Exchange(payload []byte) ([]byte, error) {
	return h.call(api.TagExchange, payload, api.TagExchangeResp)
}
