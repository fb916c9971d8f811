// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/binary"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// buildVanadiumSE builds the sibling cmd/vanadium-se binary into t.TempDir()
// so this test can drive the real control-plane server, not a synthetic
// stand-in, the way cmd/vanadium-host actually talks to it in the field.
func buildVanadiumSE(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "vanadium-se")
	cmd := exec.Command("go", "build", "-o", bin, "github.com/vanadium-project/vanadium/cmd/vanadium-se")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build vanadium-se: %v\n%s", err, out)
	}
	return bin
}

// freeAddr picks an address the caller can bind to shortly after this
// returns. There's an inherent TOCTOU race doing it this way, but it's the
// same race any "pick a free port" test helper accepts.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("freeAddr: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func waitForDial(t *testing.T, addr string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("nothing listening on %s after %s", addr, timeout)
}

// trivialProgram assembles "addi x10, x0, 7; ecall", which exits with code 7
// the moment the interpreter reaches it.
func trivialProgram() []byte {
	const (
		opADDI  = 0x13
		opECALL = 0x73
	)
	addi := uint32(7)<<20 | 0<<15 | 0<<12 | 10<<7 | opADDI
	ecall := uint32(0)<<20 | 0<<15 | 0<<12 | 0<<7 | opECALL
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], addi)
	binary.LittleEndian.PutUint32(buf[4:8], ecall)
	return buf
}

// TestRegisterAndRunAgainstRealSE drives the actual register() and run()
// entry points used by cmd/vanadium-host's -register/-run flags against a
// real vanadium-se process listening on real TCP sockets, the way the two
// binaries are actually used together. This is what would have caught the
// host never wiring an Exchange handler onto its oracle.Mock: the synthetic
// harness in internal/session's tests never drove a real cmd/vanadium-host
// control-plane client against a real cmd/vanadium-se control-plane server.
func TestRegisterAndRunAgainstRealSE(t *testing.T) {
	seBin := buildVanadiumSE(t)
	dir := t.TempDir()

	controlAddr := freeAddr(t)
	hostListenAddr := freeAddr(t)
	ledgerKey := filepath.Join(dir, "ledger.key")

	// vanadium-se's -oracle must name the address vanadium-host's own oracle
	// server listens on (conf.listenAddr below) - that's how the SE dials
	// back into the host to serve outsourced memory for the run.
	se := exec.Command(seBin,
		"-control", controlAddr,
		"-oracle", hostListenAddr,
		"-y",
		"-ledger-key", ledgerKey,
	)
	var seOutput bytes.Buffer
	se.Stdout = &seOutput
	se.Stderr = &seOutput
	if err := se.Start(); err != nil {
		t.Fatalf("start vanadium-se: %v", err)
	}
	defer se.Process.Kill()

	waitForDial(t, controlAddr, 5*time.Second)

	codePath := filepath.Join(dir, "code.bin")
	if err := os.WriteFile(codePath, trivialProgram(), 0644); err != nil {
		t.Fatalf("write code image: %v", err)
	}

	saved := *conf
	t.Cleanup(func() { *conf = saved })

	conf.seAddr = controlAddr
	conf.listenAddr = hostListenAddr
	conf.manifestPath = filepath.Join(dir, "vapp.manifest")
	conf.keysPath = filepath.Join(dir, "vapp.keys")
	conf.ledgerKey = ledgerKey
	conf.hostSecret = filepath.Join(dir, "host.secret")
	conf.codePath = codePath
	conf.dataPath = ""
	conf.name = "integration-demo"
	conf.codeAddr = 0x10000000
	conf.dataAddr = 0x20000000
	conf.stackAddr = 0x30000000
	conf.stackPages = 4
	conf.entry = 0x10000000

	var hostLog bytes.Buffer
	prevLogOutput := log.Writer()
	log.SetOutput(&hostLog)
	defer log.SetOutput(prevLogOutput)

	if err := register(); err != nil {
		t.Fatalf("register() against real vanadium-se: %v\nse output:\n%s", err, seOutput.String())
	}
	if _, err := os.Stat(conf.manifestPath); err != nil {
		t.Fatalf("register() did not write a manifest: %v", err)
	}

	if err := run(); err != nil {
		t.Fatalf("run() against real vanadium-se: %v\nse output:\n%s", err, seOutput.String())
	}

	// run() logs the V-App's exit code via the host's own log.Printf right
	// after controlCall returns, synchronously in this process - a more
	// reliable signal than scraping the subprocess's (periodically flushed)
	// klog output for the same fact.
	if !bytes.Contains(hostLog.Bytes(), []byte("exited with code 7")) {
		t.Fatalf("host did not report the expected exit code 7, log:\n%s\nse output:\n%s", hostLog.String(), seOutput.String())
	}
}
