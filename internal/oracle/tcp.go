// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package oracle

import (
	"fmt"
	"net"
	"sync"

	"k8s.io/klog/v2"

	"github.com/vanadium-project/vanadium/api"
	"github.com/vanadium-project/vanadium/internal/pagemodel"
)

// TCPOracle is the emulator-facing transport: an SE running under emulation
// has no USB stack to speak of, so it talks to a cmd/vanadium-host process
// over a plain TCP connection instead. The framing is identical either way
// (api.WriteFrame/ReadFrame); only the underlying conn differs from the HID
// transport in hid.go.
type TCPOracle struct {
	mu   sync.Mutex
	conn net.Conn
}

// DialTCP connects to a host oracle server at addr.
func DialTCP(addr string) (*TCPOracle, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("oracle: dial %s: %w", addr, err)
	}
	return &TCPOracle{conn: conn}, nil
}

// Close closes the underlying connection.
func (t *TCPOracle) Close() error {
	return t.conn.Close()
}

func (t *TCPOracle) call(tag api.Tag, req []byte, wantTag api.Tag) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := api.WriteFrame(t.conn, tag, req); err != nil {
		return nil, err
	}
	gotTag, payload, err := api.ReadFrame(t.conn)
	if err != nil {
		return nil, err
	}
	if gotTag == api.TagFatal {
		return nil, fmt.Errorf("oracle: host reported fatal error: %s", payload)
	}
	if gotTag != wantTag {
		return nil, fmt.Errorf("oracle: expected %s, got %s", wantTag, gotTag)
	}
	return payload, nil
}

func (t *TCPOracle) GetPage(kind pagemodel.Kind, pageIndex uint32) (GetPageResponse, error) {
	payload, err := t.call(api.TagGetPage, encodeGetPageRequest(kind, pageIndex), api.TagGetPageResp)
	if err != nil {
		return GetPageResponse{}, err
	}
	return decodeGetPageResponse(payload)
}

func (t *TCPOracle) CommitPage(req CommitPageRequest) (CommitPageResponse, error) {
	payload, err := t.call(api.TagCommitPage, encodeCommitPageRequest(req), api.TagCommitPageResp)
	if err != nil {
		return CommitPageResponse{}, err
	}
	return decodeCommitPageResponse(payload)
}

func (t *TCPOracle) Exchange(payload []byte) ([]byte, error) {
	return t.call(api.TagExchange, payload, api.TagExchangeResp)
}

// ServeTCP accepts connections on ln and dispatches oracle requests to
// backend, one connection at a time per client. It runs until ln is closed.
func ServeTCP(ln net.Listener, backend Oracle) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("oracle: accept: %w", err)
		}
		go serveConn(conn, backend)
	}
}

func serveConn(conn net.Conn, backend Oracle) {
	defer conn.Close()
	for {
		tag, payload, err := api.ReadFrame(conn)
		if err != nil {
			klog.V(2).Infof("oracle: connection from %s closed: %v", conn.RemoteAddr(), err)
			return
		}
		if err := dispatch(conn, tag, payload, backend); err != nil {
			klog.Errorf("oracle: dispatch %s from %s: %v", tag, conn.RemoteAddr(), err)
			api.WriteFrame(conn, api.TagFatal, []byte(err.Error()))
			return
		}
	}
}

func dispatch(conn net.Conn, tag api.Tag, payload []byte, backend Oracle) error {
	switch tag {
	case api.TagGetPage:
		kind, idx, err := decodeGetPageRequest(payload)
		if err != nil {
			return err
		}
		resp, err := backend.GetPage(kind, idx)
		if err != nil {
			return err
		}
		return api.WriteFrame(conn, api.TagGetPageResp, encodeGetPageResponse(resp))

	case api.TagCommitPage:
		req, err := decodeCommitPageRequest(payload)
		if err != nil {
			return err
		}
		resp, err := backend.CommitPage(req)
		if err != nil {
			return err
		}
		return api.WriteFrame(conn, api.TagCommitPageResp, encodeCommitPageResponse(resp))

	case api.TagExchange:
		resp, err := backend.Exchange(payload)
		if err != nil {
			return err
		}
		return api.WriteFrame(conn, api.TagExchangeResp, resp)

	default:
		return fmt.Errorf("oracle: unexpected request tag %s", tag)
	}
}
