// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command vanadium-host plays the host side of a Vanadium session: it builds
// and self-signs a demo manifest from a pair of raw CODE/DATA images, walks
// the control plane to register and run it against a cmd/vanadium-se
// process, and serves that process's outsourced memory over the oracle
// protocol for the run's duration.
//
// A real Ledger and a real V-App build tool are two separate parties outside
// this repo's scope; this binary stands in for both so the whole protocol
// can be exercised end to end without either.
package main

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/gob"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"

	"github.com/cheggaaa/pb/v3"
	"golang.org/x/crypto/hkdf"
	"k8s.io/klog/v2"

	"github.com/vanadium-project/vanadium/api"
	apirpc "github.com/vanadium-project/vanadium/api/rpc"
	"github.com/vanadium-project/vanadium/internal/codec"
	"github.com/vanadium-project/vanadium/internal/manifest"
	"github.com/vanadium-project/vanadium/internal/merkle"
	"github.com/vanadium-project/vanadium/internal/oracle"
	"github.com/vanadium-project/vanadium/internal/pagemodel"
	"github.com/vanadium-project/vanadium/internal/seal"
	"github.com/vanadium-project/vanadium/internal/session"
)

// Config mirrors cmd/vanadium-se's flat flag-struct style.
type Config struct {
	register bool
	run      bool

	seAddr     string
	listenAddr string

	manifestPath string
	keysPath     string
	ledgerKey    string
	hostSecret   string

	codePath string
	dataPath string

	name       string
	codeAddr   uint
	dataAddr   uint
	stackAddr  uint
	stackPages uint
	entry      uint
}

var conf *Config

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	conf = &Config{}
	flag.BoolVar(&conf.register, "register", false, "build, self-sign and register a V-App")
	flag.BoolVar(&conf.run, "run", false, "launch a previously registered V-App")

	flag.StringVar(&conf.seAddr, "se", "localhost:7100", "vanadium-se control-plane address")
	flag.StringVar(&conf.listenAddr, "listen", ":7101", "address this host's oracle server listens on")

	flag.StringVar(&conf.manifestPath, "manifest", "vapp.manifest", "manifest file (written by -register, read by -run)")
	flag.StringVar(&conf.keysPath, "keys", "vapp.keys", "persisted key state file (written by -register, read by -run)")
	flag.StringVar(&conf.ledgerKey, "ledger-key", "", "PEM file for the dev Ledger key, shared with vanadium-se's -ledger-key")
	flag.StringVar(&conf.hostSecret, "host-secret", "host.secret", "file holding this host's at-rest sealing master secret (created if absent)")

	flag.StringVar(&conf.codePath, "code", "", "raw CODE image (plaintext, page-aligned)")
	flag.StringVar(&conf.dataPath, "data", "", "raw DATA image (plaintext, page-aligned; omit for an all-zero section)")

	flag.StringVar(&conf.name, "name", "demo-app", "V-App name")
	flag.UintVar(&conf.codeAddr, "code-addr", 0x10000000, "CODE section base address")
	flag.UintVar(&conf.dataAddr, "data-addr", 0x20000000, "DATA section base address")
	flag.UintVar(&conf.stackAddr, "stack-addr", 0x30000000, "STACK section base address")
	flag.UintVar(&conf.stackPages, "stack-pages", 4, "STACK section size, in pages")
	flag.UintVar(&conf.entry, "entry", 0x10000000, "entrypoint virtual address")
}

// keyState is what -register persists and -run reloads: the key material
// the host must keep holding between sessions per spec §4.7, plus the
// dynamic key override this demo tool uses to keep a self-signed manifest's
// DATA root stable across runs (see DESIGN.md).
type keyState struct {
	Name              string
	VAppHash          [32]byte
	StaticKeyMaterial []byte
	DynKeyMaterial    []byte
	SealedKeys        []byte
}

// loadOrCreateMasterSecret loads this host's at-rest sealing secret from
// path, generating and persisting a fresh 32 random bytes on first use. It
// never leaves the host: keyState.SealedKeys is already sealed under a key
// the SE holds, this secret only protects the copy vanadium-host keeps on
// its own disk.
func loadOrCreateMasterSecret(path string) ([32]byte, error) {
	var secret [32]byte
	if data, err := os.ReadFile(path); err == nil {
		if len(data) != len(secret) {
			return secret, fmt.Errorf("%s: want %d bytes, got %d", path, len(secret), len(data))
		}
		copy(secret[:], data)
		return secret, nil
	}
	if _, err := rand.Read(secret[:]); err != nil {
		return secret, err
	}
	if err := os.WriteFile(path, secret[:], 0600); err != nil {
		return secret, err
	}
	klog.Infof("VND wrote new host sealing secret to %s", path)
	return secret, nil
}

// deriveSealKey derives the key state file's at-rest AES key from the host's
// master secret, the same hkdf.New(sha256.New, key, salt, info) shape the
// teacher's deriveHKDF uses to turn one root secret into several purpose-
// bound keys (witness_applet/trusted_applet/key.go).
func deriveSealKey(master [32]byte) ([32]byte, error) {
	var key [32]byte
	kdf := hkdf.New(sha256.New, master[:], nil, []byte("vanadium-host-keystate"))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

func saveKeyState(path string, ks *keyState) error {
	master, err := loadOrCreateMasterSecret(conf.hostSecret)
	if err != nil {
		return fmt.Errorf("load host secret: %w", err)
	}
	sealKey, err := deriveSealKey(master)
	if err != nil {
		return fmt.Errorf("derive seal key: %w", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ks); err != nil {
		return err
	}
	blob, err := seal.Blob(sealKey, buf.Bytes())
	if err != nil {
		return fmt.Errorf("seal key state: %w", err)
	}
	return os.WriteFile(path, blob, 0600)
}

func loadKeyState(path string) (*keyState, error) {
	master, err := loadOrCreateMasterSecret(conf.hostSecret)
	if err != nil {
		return nil, fmt.Errorf("load host secret: %w", err)
	}
	sealKey, err := deriveSealKey(master)
	if err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	plaintext, err := seal.Unblob(sealKey, blob)
	if err != nil {
		return nil, fmt.Errorf("unseal key state: %w", err)
	}
	ks := &keyState{}
	if err := gob.NewDecoder(bytes.NewReader(plaintext)).Decode(ks); err != nil {
		return nil, err
	}
	return ks, nil
}

// loadPages reads path as numPages fixed-size plaintext pages, zero-padding
// a short file out to the full section size. An empty path yields all-zero
// pages; a path that cannot be read is an error.
func loadPages(path string, numPages uint32) ([][codec.PageSize]byte, error) {
	pages := make([][codec.PageSize]byte, numPages)
	if path == "" {
		return pages, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	want := int(numPages) * codec.PageSize
	if len(data) > want {
		return nil, fmt.Errorf("%s is %d bytes, exceeds the %d-page section (%d bytes)", path, len(data), numPages, want)
	}
	for i := range pages {
		off := i * codec.PageSize
		end := off + codec.PageSize
		if off >= len(data) {
			break
		}
		if end > len(data) {
			end = len(data)
		}
		copy(pages[i][:], data[off:end])
	}
	return pages, nil
}

// encryptSection encrypts every page of a section under keys, returning its
// ciphertexts, page_hash leaves and Merkle root. bar, if non-nil, is ticked
// once per page.
func encryptSection(keys codec.Keys, base uint32, pages [][codec.PageSize]byte, bar *pb.ProgressBar) ([]codec.Ciphertext, []merkle.Digest, merkle.Digest, error) {
	cts := make([]codec.Ciphertext, len(pages))
	leaves := make([]merkle.Digest, len(pages))
	for i := range pages {
		addr := base + uint32(i)*pagemodel.Size
		ct, _, err := codec.Encrypt(keys, addr, 0, &pages[i])
		if err != nil {
			return nil, nil, merkle.Digest{}, fmt.Errorf("encrypt page %d: %w", i, err)
		}
		cts[i] = ct
		leaves[i] = codec.PageHash(addr, 0, ct)
		if bar != nil {
			bar.Increment()
		}
	}
	if bar != nil {
		bar.Finish()
	}
	return cts, leaves, merkle.RootFromLeaves(leaves), nil
}

func randomKeys() (codec.Keys, error) {
	var k codec.Keys
	if _, err := rand.Read(k.AES[:]); err != nil {
		return k, err
	}
	if _, err := rand.Read(k.HMAC[:]); err != nil {
		return k, err
	}
	return k, nil
}

func keyMaterial(k codec.Keys) []byte {
	return append(append([]byte{}, k.AES[:]...), k.HMAC[:]...)
}

func keysFromMaterial(b []byte) codec.Keys {
	var k codec.Keys
	copy(k.AES[:], b[:32])
	copy(k.HMAC[:], b[32:])
	return k
}

// loadOrCreateDevLedgerKey mirrors cmd/vanadium-se's helper of the same
// shape: this tool self-signs manifests in lieu of a real Ledger, so it must
// share that key's file with the vanadium-se process it registers against.
func loadOrCreateDevLedgerKey(path string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return nil, fmt.Errorf("-ledger-key is required to self-sign a manifest")
	}
	if data, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no PEM block in %s", path)
		}
		return x509.ParseECPrivateKey(block.Bytes)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), 0600); err != nil {
		return nil, err
	}
	klog.Infof("VND wrote new dev Ledger key to %s", path)
	return priv, nil
}

func signManifest(priv *ecdsa.PrivateKey, m *manifest.Manifest) error {
	digest := m.Hash()
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return err
	}
	r.FillBytes(m.Signature[:32])
	s.FillBytes(m.Signature[32:])
	return nil
}

func controlCall(addr string, tag api.Tag, payload []byte, wantTag api.Tag) ([]byte, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if err := api.WriteFrame(conn, tag, payload); err != nil {
		return nil, err
	}
	gotTag, resp, err := api.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	if gotTag == api.TagFatal {
		return nil, fmt.Errorf("se reported fatal error: %s", resp)
	}
	if gotTag != wantTag {
		return nil, fmt.Errorf("expected %s, got %s", wantTag, gotTag)
	}
	return resp, nil
}

func register() error {
	numCodePages, err := pageCount(conf.codePath)
	if err != nil {
		return err
	}
	numDataPages, err := pageCount(conf.dataPath)
	if err != nil {
		return err
	}

	codePages, err := loadPages(conf.codePath, numCodePages)
	if err != nil {
		return err
	}
	dataPages, err := loadPages(conf.dataPath, numDataPages)
	if err != nil {
		return err
	}

	staticKeys, err := randomKeys()
	if err != nil {
		return fmt.Errorf("generate static keys: %w", err)
	}
	dynKeys, err := randomKeys()
	if err != nil {
		return fmt.Errorf("generate dynamic keys: %w", err)
	}

	klog.Infof("VND encrypting %d CODE pages", numCodePages)
	_, _, codeRoot, err := encryptSection(staticKeys, uint32(conf.codeAddr), codePages, pb.StartNew(len(codePages)))
	if err != nil {
		return err
	}
	klog.Infof("VND encrypting %d DATA pages", numDataPages)
	_, _, dataRoot, err := encryptSection(dynKeys, uint32(conf.dataAddr), dataPages, pb.StartNew(len(dataPages)))
	if err != nil {
		return err
	}

	m := &manifest.Manifest{
		Version:    1,
		Name:       conf.name,
		Entrypoint: uint32(conf.entry),
		Code:       manifest.SectionLayout{Start: uint32(conf.codeAddr), Pages: numCodePages},
		Data:       manifest.SectionLayout{Start: uint32(conf.dataAddr), Pages: numDataPages},
		Stack:      manifest.SectionLayout{Start: uint32(conf.stackAddr), Pages: uint32(conf.stackPages)},
	}
	m.CodeRoot = [32]byte(codeRoot)
	m.DataRoot = [32]byte(dataRoot)

	priv, err := loadOrCreateDevLedgerKey(conf.ledgerKey)
	if err != nil {
		return fmt.Errorf("dev ledger key: %w", err)
	}
	if err := signManifest(priv, m); err != nil {
		return fmt.Errorf("sign manifest: %w", err)
	}

	manifestBytes := m.Marshal()
	if err := os.WriteFile(conf.manifestPath, manifestBytes, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	args := apirpc.RegisterArgs{ManifestBytes: manifestBytes, StaticKeyMaterial: keyMaterial(staticKeys)}
	resp, err := controlCall(conf.seAddr, api.TagRegisterBegin, gobEncode(args), api.TagRegisterApprove)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	var reply apirpc.RegisterReply
	if err := gobDecode(resp, &reply); err != nil {
		return fmt.Errorf("decode RegisterReply: %w", err)
	}

	ks := &keyState{
		Name:              reply.Name,
		VAppHash:          reply.AppHash,
		StaticKeyMaterial: keyMaterial(staticKeys),
		DynKeyMaterial:    keyMaterial(dynKeys),
		SealedKeys:        reply.SealedKeys,
	}
	if err := saveKeyState(conf.keysPath, ks); err != nil {
		return fmt.Errorf("save key state: %w", err)
	}

	log.Printf("registered %q, vapp_hash=%x", reply.Name, reply.AppHash)
	return nil
}

func run() error {
	manifestBytes, err := os.ReadFile(conf.manifestPath)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	m, err := manifest.Parse(manifestBytes)
	if err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	ks, err := loadKeyState(conf.keysPath)
	if err != nil {
		return fmt.Errorf("load key state: %w", err)
	}
	staticKeys := keysFromMaterial(ks.StaticKeyMaterial)
	dynKeys := keysFromMaterial(ks.DynKeyMaterial)

	codePages, err := loadPages(conf.codePath, m.Code.Pages)
	if err != nil {
		return err
	}
	dataPages, err := loadPages(conf.dataPath, m.Data.Pages)
	if err != nil {
		return err
	}

	mock := oracle.NewMock(m.Code.Pages, m.Data.Pages, m.Stack.Pages)

	klog.Infof("VND seeding %d CODE pages", m.Code.Pages)
	codeCTs, codeLeaves, codeRoot, err := encryptSection(staticKeys, m.Code.Start, codePages, pb.StartNew(len(codePages)))
	if err != nil {
		return err
	}
	if codeRoot != merkle.Digest(m.CodeRoot) {
		return fmt.Errorf("local CODE image does not match the manifest's code_root")
	}
	for i, ct := range codeCTs {
		mock.SeedPage(pagemodel.Code, uint32(i), ct, 0, codeLeaves[i])
	}

	klog.Infof("VND seeding %d DATA pages", m.Data.Pages)
	dataCTs, dataLeaves, dataRoot, err := encryptSection(dynKeys, m.Data.Start, dataPages, pb.StartNew(len(dataPages)))
	if err != nil {
		return err
	}
	if dataRoot != merkle.Digest(m.DataRoot) {
		return fmt.Errorf("local DATA image does not match the manifest's data_root")
	}
	for i, ct := range dataCTs {
		mock.SeedPage(pagemodel.Data, uint32(i), ct, 0, dataLeaves[i])
	}

	// Answers the SE's code-attestation exchange (spec §4.7 steps 4-5)
	// against the pages just seeded above: page_hash requests, the masked
	// HMAC pushes, and the ephemeral_sk reveal that unmasks them.
	session.NewHostAttestor(mock, m.Code.Pages)

	ln, err := net.Listen("tcp", conf.listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", conf.listenAddr, err)
	}
	defer ln.Close()
	go func() {
		if err := oracle.ServeTCP(ln, mock); err != nil {
			klog.V(2).Infof("VND oracle server stopped: %v", err)
		}
	}()
	klog.Infof("VND serving oracle on %s", conf.listenAddr)

	args := apirpc.RunArgs{
		Name:           ks.Name,
		ManifestBytes:  manifestBytes,
		SealedKeys:     ks.SealedKeys,
		DynKeyMaterial: ks.DynKeyMaterial,
	}
	resp, err := controlCall(conf.seAddr, api.TagRunApp, gobEncode(args), api.TagExit)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	var reply apirpc.RunReply
	if err := gobDecode(resp, &reply); err != nil {
		return fmt.Errorf("decode RunReply: %w", err)
	}

	if reply.Fault != "" {
		return fmt.Errorf("run faulted: %s", reply.Fault)
	}
	log.Printf("%q exited with code %d", ks.Name, reply.ExitCode)
	return nil
}

func pageCount(path string) (uint32, error) {
	if path == "" {
		return 0, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	n := (info.Size() + codec.PageSize - 1) / codec.PageSize
	return uint32(n), nil
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

func main() {
	flag.Parse()

	var err error
	switch {
	case conf.register:
		err = register()
	case conf.run:
		err = run()
	default:
		flag.PrintDefaults()
		return
	}
	if err != nil {
		log.Fatalf("fatal error, %s", err)
	}
}
