// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command vanadium-se runs the SE side of a session: it accepts the
// control-plane connection a host uses to register and launch V-Apps, and
// for each run dials the host's oracle server to serve the outsourced
// memory subsystem for the RV32IMC interpreter.
package main

import (
	"bufio"
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/gob"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strings"

	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"

	"github.com/vanadium-project/vanadium/api"
	apirpc "github.com/vanadium-project/vanadium/api/rpc"
	"github.com/vanadium-project/vanadium/internal/cache"
	"github.com/vanadium-project/vanadium/internal/codec"
	"github.com/vanadium-project/vanadium/internal/cpu"
	"github.com/vanadium-project/vanadium/internal/manifest"
	"github.com/vanadium-project/vanadium/internal/memmgr"
	"github.com/vanadium-project/vanadium/internal/oracle"
	"github.com/vanadium-project/vanadium/internal/pagemodel"
	"github.com/vanadium-project/vanadium/internal/registry"
	"github.com/vanadium-project/vanadium/internal/seal"
	"github.com/vanadium-project/vanadium/internal/session"
)

// Config mirrors cmd/witnessctl's flat flag-struct style.
type Config struct {
	controlAddr string
	oracleAddr  string
	autoApprove bool
	cacheSize   int
	maxSteps    uint64
	ledgerKey   string
	approvalKey string
	regStore    string
}

var conf *Config

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	conf = &Config{}
	flag.StringVar(&conf.controlAddr, "control", ":7100", "control-plane listen address")
	flag.StringVar(&conf.oracleAddr, "oracle", "localhost:7101", "host oracle server address")
	flag.BoolVar(&conf.autoApprove, "y", false, "auto-approve registrations (skip the on-device prompt)")
	flag.IntVar(&conf.cacheSize, "cache", 64, "page cache capacity, in pages")
	flag.Uint64Var(&conf.maxSteps, "max-steps", 10_000_000, "interpreter step budget per run (0 = unbounded)")
	flag.StringVar(&conf.ledgerKey, "ledger-key", "", "PEM file for the dev Ledger key (created if absent, random and unsaved if empty)")
	flag.StringVar(&conf.approvalKey, "approval-key", "", "file holding the note signing key used to attest registration approvals (created if absent, random and unsaved if empty)")
	flag.StringVar(&conf.regStore, "registry-store", "", "file the V-App registry is persisted to across restarts (in-memory only if empty)")
}

// se bundles the state that survives across registrations within one
// process lifetime: the registry, the device seal key and auth_key. Both
// keys are generated at process start and held only in memory; neither is
// written to disk.
type se struct {
	reg       *registry.Registry
	store     *registry.Store
	deviceKey [32]byte
	authKey   [32]byte
	verifier  manifest.LedgerVerifier
	approver  note.Signer
}

func newSE() (*se, error) {
	s := &se{reg: registry.New()}
	if _, err := rand.Read(s.deviceKey[:]); err != nil {
		return nil, fmt.Errorf("se: generate device key: %w", err)
	}
	if _, err := rand.Read(s.authKey[:]); err != nil {
		return nil, fmt.Errorf("se: generate auth_key: %w", err)
	}

	if conf.regStore != "" {
		s.store = registry.NewStore(conf.regStore, s.deviceKey)
		if reg, err := s.store.Load(); err == nil {
			s.reg = reg
			klog.Infof("VND loaded V-App registry from %s", conf.regStore)
		} else if !os.IsNotExist(err) {
			klog.Errorf("VND registry store at %s did not load, starting empty: %v", conf.regStore, err)
		}
	}

	// A real device pins a Ledger-issued public key at manufacture time;
	// this dev harness has no Ledger, so it mints one of its own (or loads
	// one shared on disk with whatever tool is self-signing manifests) and
	// trusts whatever it signs with it.
	priv, err := loadOrCreateDevLedgerKey(conf.ledgerKey)
	if err != nil {
		return nil, fmt.Errorf("se: dev ledger key: %w", err)
	}
	s.verifier = &manifest.ECDSAVerifier{PublicKey: &priv.PublicKey}
	klog.Infof("VND dev Ledger key pinned for this process (no persistent Ledger configured)")

	s.approver, err = loadOrCreateApprovalSigner(conf.approvalKey)
	if err != nil {
		return nil, fmt.Errorf("se: approval signer: %w", err)
	}
	return s, nil
}

// loadOrCreateApprovalSigner loads a note signing key from path, creating
// and saving one if path is set but the file doesn't exist, or minting a
// throwaway one if path is empty.
func loadOrCreateApprovalSigner(path string) (note.Signer, error) {
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			return note.NewSigner(strings.TrimSpace(string(data)))
		}
	}

	skey, _, err := note.GenerateKey(rand.Reader, "vanadium-se-approval")
	if err != nil {
		return nil, fmt.Errorf("generate approval key: %w", err)
	}
	if path != "" {
		if err := os.WriteFile(path, []byte(skey), 0600); err != nil {
			return nil, fmt.Errorf("save approval key: %w", err)
		}
		klog.Infof("VND wrote new approval signing key to %s", path)
	}
	return note.NewSigner(skey)
}

// loadOrCreateDevLedgerKey loads an ECDSA/P-256 key from a PEM file, creating
// and saving one if path is set but the file doesn't exist yet, or minting a
// throwaway one if path is empty.
func loadOrCreateDevLedgerKey(path string) (*ecdsa.PrivateKey, error) {
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			block, _ := pem.Decode(data)
			if block == nil {
				return nil, fmt.Errorf("no PEM block in %s", path)
			}
			return x509.ParseECPrivateKey(block.Bytes)
		}
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return priv, nil
	}

	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal dev ledger key: %w", err)
	}
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("save dev ledger key: %w", err)
	}
	klog.Infof("VND wrote new dev Ledger key to %s", path)
	return priv, nil
}

func gobEncode(v interface{}) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		klog.Errorf("VND gob encode: %v", err)
	}
	return buf.Bytes()
}

func gobDecode(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (s *se) approve(m *manifest.Manifest) bool {
	if conf.autoApprove {
		return true
	}
	fmt.Printf("VND approve registration of %q (version %d.%d.%d, vapp_hash %x)? [y/N] ",
		m.Name, m.VAppVersion[0], m.VAppVersion[1], m.VAppVersion[2], m.Hash())
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y")
}

// handleRegister implements the once-per-V-App registration flow (spec §4.7
// paragraph 1): verify the manifest, get user approval, mint KeyAES1/
// KeyHMAC1, register (name, vapp_hash), and seal the keys for the host to
// hold between sessions.
func (s *se) handleRegister(payload []byte) (api.Tag, []byte) {
	var args apirpc.RegisterArgs
	if err := gobDecode(payload, &args); err != nil {
		return api.TagFatal, []byte(fmt.Sprintf("se: decode RegisterArgs: %v", err))
	}

	m, err := manifest.Parse(args.ManifestBytes)
	if err != nil {
		return api.TagFatal, []byte(fmt.Sprintf("se: parse manifest: %v", err))
	}
	if err := m.Verify(s.verifier); err != nil {
		return api.TagFatal, []byte(fmt.Sprintf("se: manifest did not verify: %v", err))
	}
	if !s.approve(m) {
		return api.TagFatal, []byte("se: Rejected: registration declined at device")
	}

	var keys registry.StaticKeys
	if len(args.StaticKeyMaterial) == 64 {
		copy(keys.AES[:], args.StaticKeyMaterial[:32])
		copy(keys.HMAC[:], args.StaticKeyMaterial[32:])
	} else {
		if _, err := rand.Read(keys.AES[:]); err != nil {
			return api.TagFatal, []byte(fmt.Sprintf("se: generate KeyAES1: %v", err))
		}
		if _, err := rand.Read(keys.HMAC[:]); err != nil {
			return api.TagFatal, []byte(fmt.Sprintf("se: generate KeyHMAC1: %v", err))
		}
	}

	vappHash := m.Hash()
	entry := &registry.Entry{Name: m.Name, VAppHash: vappHash, Keys: keys, NumSlots: m.NumStorageSlots}
	if err := s.reg.Register(entry); err != nil {
		return api.TagFatal, []byte(fmt.Sprintf("se: register: %v", err))
	}
	if s.store != nil {
		if err := s.store.Save(s.reg); err != nil {
			return api.TagFatal, []byte(fmt.Sprintf("se: persist registry: %v", err))
		}
	}

	sealed, err := seal.Blob(s.deviceKey, append(append([]byte{}, keys.AES[:]...), keys.HMAC[:]...))
	if err != nil {
		return api.TagFatal, []byte(fmt.Sprintf("se: seal keys: %v", err))
	}

	approval, err := manifest.SignApproval(s.approver, m.Name, vappHash)
	if err != nil {
		return api.TagFatal, []byte(fmt.Sprintf("se: sign approval: %v", err))
	}

	klog.Infof("VND registered %q vapp_hash=%x", m.Name, vappHash)
	reply := apirpc.RegisterReply{Name: m.Name, AppHash: vappHash, SealedKeys: sealed, Approval: approval}
	return api.TagRegisterApprove, gobEncode(reply)
}

// handleRun implements the launch flow (spec §4.7 paragraph 2 onward): unseal
// the static keys, bootstrap the session against the host oracle, and run
// the interpreter to completion.
func (s *se) handleRun(payload []byte) (api.Tag, []byte) {
	var args apirpc.RunArgs
	if err := gobDecode(payload, &args); err != nil {
		return api.TagFatal, []byte(fmt.Sprintf("se: decode RunArgs: %v", err))
	}

	m, err := manifest.Parse(args.ManifestBytes)
	if err != nil {
		return api.TagFatal, []byte(fmt.Sprintf("se: parse manifest: %v", err))
	}

	raw, err := seal.Unblob(s.deviceKey, args.SealedKeys)
	if err != nil {
		return api.TagFatal, []byte(fmt.Sprintf("se: unseal static keys: %v", err))
	}
	if len(raw) != 64 {
		return api.TagFatal, []byte("se: unsealed key blob has the wrong length")
	}

	entry := s.reg.Lookup(args.Name)
	if entry == nil {
		return api.TagFatal, []byte(fmt.Sprintf("se: %q is not registered", args.Name))
	}
	if !bytes.Equal(raw[:32], entry.Keys.AES[:]) || !bytes.Equal(raw[32:], entry.Keys.HMAC[:]) {
		return api.TagFatal, []byte("se: host presented a sealed key blob that doesn't match the registered app")
	}

	o, err := oracle.DialTCP(conf.oracleAddr)
	if err != nil {
		return api.TagFatal, []byte(fmt.Sprintf("se: dial host oracle: %v", err))
	}
	defer o.Close()

	var dynOverride []codec.Keys
	if len(args.DynKeyMaterial) == 64 {
		var k codec.Keys
		copy(k.AES[:], args.DynKeyMaterial[:32])
		copy(k.HMAC[:], args.DynKeyMaterial[32:])
		dynOverride = append(dynOverride, k)
	}
	result, err := session.Bootstrap(args.Name, m, s.reg, s.authKey, o, dynOverride...)
	if err != nil {
		return api.TagFatal, []byte(fmt.Sprintf("se: bootstrap: %v", err))
	}

	base := map[pagemodel.Kind]uint32{
		pagemodel.Code:  m.Code.Start,
		pagemodel.Data:  m.Data.Start,
		pagemodel.Stack: m.Stack.Start,
	}
	c := cache.New(conf.cacheSize, o, result.Keys, result.Trees, base)
	mem := memmgr.New(result.Sections, c)

	var exitCode int32
	var runErr error
	ecall := func(cp *cpu.CPU) (bool, int32, error) {
		return true, int32(cp.Reg(10)), nil // a0 carries the exit code, the sole in-scope ECALL
	}
	vm := cpu.New(mem, m.Entrypoint, ecall)
	runErr = vm.Run(conf.maxSteps)
	if runErr == nil {
		runErr = c.FlushAll()
	}
	if runErr == nil {
		exitCode = vm.ExitCode
	}

	reply := apirpc.RunReply{ExitCode: exitCode}
	if runErr != nil {
		reply.Fault = runErr.Error()
	}
	klog.Infof("VND run %q finished: exit=%d fault=%q", args.Name, reply.ExitCode, reply.Fault)
	return api.TagExit, gobEncode(reply)
}

func (s *se) serveControl(conn net.Conn) {
	defer conn.Close()
	for {
		tag, payload, err := api.ReadFrame(conn)
		if err != nil {
			klog.V(2).Infof("VND control connection closed: %v", err)
			return
		}

		var respTag api.Tag
		var respPayload []byte
		switch tag {
		case api.TagRegisterBegin:
			respTag, respPayload = s.handleRegister(payload)
		case api.TagRunApp:
			respTag, respPayload = s.handleRun(payload)
		default:
			respTag, respPayload = api.TagFatal, []byte(fmt.Sprintf("se: unexpected control tag %s", tag))
		}

		if err := api.WriteFrame(conn, respTag, respPayload); err != nil {
			klog.Errorf("VND write control response: %v", err)
			return
		}
		if respTag == api.TagFatal {
			return
		}
	}
}

func main() {
	flag.Parse()

	s, err := newSE()
	if err != nil {
		log.Fatalf("fatal error, %s", err)
	}

	ln, err := net.Listen("tcp", conf.controlAddr)
	if err != nil {
		log.Fatalf("fatal error, %s", err)
	}
	klog.Infof("VND listening for control connections on %s", conf.controlAddr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Fatalf("fatal error, %s", err)
		}
		go s.serveControl(conn)
	}
}
