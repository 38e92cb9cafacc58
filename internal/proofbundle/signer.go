package proofbundle

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Signature is an ed25519 signature over a bundle's canonical unsigned
// form. Proof bundles support exactly one algorithm — there is no
// pluggable backend to select, so unlike a generic signing interface this
// type carries no algorithm field.
type Signature struct {
	KeyID     string `json:"key_id"`
	Signature string `json:"signature"` // base64 standard encoding of the raw ed25519 signature
}

// Key is an ed25519 key pair used to sign proof bundles, backed by files
// under a key directory: <dir>/<keyID>.key holds the hex-encoded 32-byte
// seed, <dir>/<keyID>.pub the hex-encoded public key.
type Key struct {
	id         string
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// LoadOrGenerateKey loads the key named keyID from dir, generating and
// persisting a fresh one if none exists yet. An empty keyID defaults to
// "default".
func LoadOrGenerateKey(dir, keyID string) (*Key, error) {
	if keyID == "" {
		keyID = "default"
	}
	k := &Key{id: keyID}
	if err := k.load(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return k, k.generate(dir)
		}
		return nil, err
	}
	return k, nil
}

func (k *Key) load(dir string) error {
	keyPath := filepath.Join(dir, k.id+".key")
	pubPath := filepath.Join(dir, k.id+".pub")

	seedHex, err := os.ReadFile(keyPath)
	if err != nil {
		return err
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(seedHex)))
	if err != nil {
		return fmt.Errorf("proofbundle: invalid key seed hex in %s: %w", keyPath, err)
	}
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("proofbundle: invalid key seed length in %s: expected %d, got %d", keyPath, ed25519.SeedSize, len(seed))
	}
	k.privateKey = ed25519.NewKeyFromSeed(seed)
	k.publicKey = k.privateKey.Public().(ed25519.PublicKey)

	if pubHex, err := os.ReadFile(pubPath); err == nil {
		if strings.TrimSpace(string(pubHex)) != hex.EncodeToString(k.publicKey) {
			return fmt.Errorf("proofbundle: %s does not match the private key in %s", pubPath, keyPath)
		}
	}
	return nil
}

func (k *Key) generate(dir string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("proofbundle: generating signing key: %w", err)
	}
	k.publicKey, k.privateKey = pub, priv

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("proofbundle: creating key directory %s: %w", dir, err)
	}
	keyPath := filepath.Join(dir, k.id+".key")
	pubPath := filepath.Join(dir, k.id+".pub")
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(priv.Seed())+"\n"), 0o600); err != nil {
		return fmt.Errorf("proofbundle: writing private key %s: %w", keyPath, err)
	}
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(pub)+"\n"), 0o644); err != nil {
		return fmt.Errorf("proofbundle: writing public key %s: %w", pubPath, err)
	}
	return nil
}

// PublicKeyHex returns the hex-encoded ed25519 public key.
func (k *Key) PublicKeyHex() string {
	return hex.EncodeToString(k.publicKey)
}

// KeyID returns the key id this key was loaded or generated under.
func (k *Key) KeyID() string {
	return k.id
}

// LoadTrustedKeys reads every <keyID>.pub file in dir into a map of
// keyID to hex-encoded ed25519 public key, for verifying bundles signed
// by a key whose private half this process never holds.
func LoadTrustedKeys(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	keys := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pub") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		keys[strings.TrimSuffix(entry.Name(), ".pub")] = strings.TrimSpace(string(data))
	}
	return keys, nil
}

// verifyDetached checks sig over payload against trustedKeys, a map of
// keyID to hex-encoded ed25519 public key.
func verifyDetached(payload []byte, sig Signature, trustedKeys map[string]string) (bool, error) {
	if sig.KeyID == "" || sig.Signature == "" {
		return false, fmt.Errorf("proofbundle: signature missing key_id or signature bytes")
	}
	hexKey, ok := trustedKeys[sig.KeyID]
	if !ok {
		return false, fmt.Errorf("proofbundle: unknown signing key id: %s", sig.KeyID)
	}
	pubKey, err := hex.DecodeString(hexKey)
	if err != nil {
		return false, fmt.Errorf("proofbundle: invalid trusted key encoding for %s: %w", sig.KeyID, err)
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return false, fmt.Errorf("proofbundle: invalid signature encoding: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), payload, sigBytes), nil
}
