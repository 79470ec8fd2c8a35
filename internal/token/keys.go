package token

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
)

// Purpose selects which key pair signs or verifies a token. Access and
// refresh tokens use disjoint pairs so a leaked refresh key can never mint
// access credentials.
type Purpose string

const (
	PurposeAccess  Purpose = "access"
	PurposeRefresh Purpose = "refresh"
)

// KeyStore provides the RSA material for signing and verification.
// Implementations load keys from PEM files at startup (production) or hold
// generated keys in memory (local development, tests).
type KeyStore interface {
	// SigningKey returns the current private key and key ID for a purpose.
	SigningKey(p Purpose) (*rsa.PrivateKey, string, error)

	// VerifyingKey returns the public key for a purpose and key ID.
	VerifyingKey(p Purpose, kid string) (*rsa.PublicKey, error)
}

// StaticKeyStore is a KeyStore backed by in-memory keys. Both the file
// loader and tests build on it; keys are immutable for the process lifetime
// once set.
type StaticKeyStore struct {
	mu      sync.RWMutex
	signing map[Purpose]signingEntry
	public  map[Purpose]map[string]*rsa.PublicKey
}

type signingEntry struct {
	key *rsa.PrivateKey
	kid string
}

// NewStaticKeyStore creates an empty StaticKeyStore.
func NewStaticKeyStore() *StaticKeyStore {
	return &StaticKeyStore{
		signing: make(map[Purpose]signingEntry),
		public:  make(map[Purpose]map[string]*rsa.PublicKey),
	}
}

// SetPair installs the signing key for a purpose and registers its public
// half for verification.
func (s *StaticKeyStore) SetPair(p Purpose, key *rsa.PrivateKey, kid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signing[p] = signingEntry{key: key, kid: kid}
	if s.public[p] == nil {
		s.public[p] = make(map[string]*rsa.PublicKey)
	}
	s.public[p][kid] = &key.PublicKey
}

// AddPublicKey registers an additional verification key for a purpose.
// Used to keep verifying tokens minted under a retired signing key.
func (s *StaticKeyStore) AddPublicKey(p Purpose, kid string, key *rsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.public[p] == nil {
		s.public[p] = make(map[string]*rsa.PublicKey)
	}
	s.public[p][kid] = key
}

// SigningKey returns the private signing key and key ID for a purpose.
func (s *StaticKeyStore) SigningKey(p Purpose) (*rsa.PrivateKey, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.signing[p]
	if !ok || entry.key == nil {
		return nil, "", fmt.Errorf("no %s signing key available", p)
	}
	return entry.key, entry.kid, nil
}

// VerifyingKey returns the public key for a purpose and key ID.
func (s *StaticKeyStore) VerifyingKey(p Purpose, kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk, ok := s.public[p][kid]
	if !ok {
		return nil, fmt.Errorf("unknown %s key ID %q", p, kid)
	}
	return pk, nil
}

// FileKeyConfig names the four PEM files holding the two key pairs.
type FileKeyConfig struct {
	AccessPrivateKeyPath  string
	AccessPublicKeyPath   string
	RefreshPrivateKeyPath string
	RefreshPublicKeyPath  string
}

// LoadFileKeyStore reads both key pairs from PEM files. Keys are loaded
// eagerly: the service must not start without them.
func LoadFileKeyStore(cfg FileKeyConfig) (*StaticKeyStore, error) {
	store := NewStaticKeyStore()

	load := func(p Purpose, privPath, pubPath string) error {
		priv, err := readPrivateKeyPEM(privPath)
		if err != nil {
			return fmt.Errorf("load %s private key: %w", p, err)
		}
		pub, err := readPublicKeyPEM(pubPath)
		if err != nil {
			return fmt.Errorf("load %s public key: %w", p, err)
		}
		if priv.PublicKey.N.Cmp(pub.N) != 0 {
			return fmt.Errorf("%s key pair mismatch: public key does not belong to private key", p)
		}
		store.SetPair(p, priv, KeyID(p, pub))
		return nil
	}

	if err := load(PurposeAccess, cfg.AccessPrivateKeyPath, cfg.AccessPublicKeyPath); err != nil {
		return nil, err
	}
	if err := load(PurposeRefresh, cfg.RefreshPrivateKeyPath, cfg.RefreshPublicKeyPath); err != nil {
		return nil, err
	}
	return store, nil
}

// KeyID derives a stable key identifier from the public key material:
// the purpose name plus the first 8 hex characters of the SHA-256 of the
// PKIX encoding. Deterministic, so restarts keep the same kid.
func KeyID(p Purpose, pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		// MarshalPKIXPublicKey cannot fail for a well-formed RSA key.
		return string(p) + "-unknown"
	}
	sum := sha256.Sum256(der)
	return string(p) + "-" + hex.EncodeToString(sum[:4])
}

func readPrivateKeyPEM(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block found", path)
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s: not an RSA private key", path)
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: parse private key: %w", path, err)
	}
	return key, nil
}

func readPublicKeyPEM(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block found", path)
	}

	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%s: not an RSA public key", path)
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: parse public key: %w", path, err)
	}
	return key, nil
}

// Ensure StaticKeyStore implements KeyStore at compile time.
var _ KeyStore = (*StaticKeyStore)(nil)
