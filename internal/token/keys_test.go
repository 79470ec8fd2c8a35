package token_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velomart/commerce-security-core/internal/token"
)

func TestStaticKeyStore(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	store := token.NewStaticKeyStore()

	t.Run("empty store has no signing key", func(t *testing.T) {
		_, _, err := store.SigningKey(token.PurposeAccess)
		assert.Error(t, err)
	})

	store.SetPair(token.PurposeAccess, key, "access-001")

	t.Run("pair registers signing and verifying halves", func(t *testing.T) {
		priv, kid, err := store.SigningKey(token.PurposeAccess)
		require.NoError(t, err)
		assert.Equal(t, "access-001", kid)
		assert.Same(t, key, priv)

		pub, err := store.VerifyingKey(token.PurposeAccess, "access-001")
		require.NoError(t, err)
		assert.Equal(t, &key.PublicKey, pub)
	})

	t.Run("purposes are disjoint", func(t *testing.T) {
		_, _, err := store.SigningKey(token.PurposeRefresh)
		assert.Error(t, err)
		_, err = store.VerifyingKey(token.PurposeRefresh, "access-001")
		assert.Error(t, err)
	})

	t.Run("unknown kid fails", func(t *testing.T) {
		_, err := store.VerifyingKey(token.PurposeAccess, "retired-kid")
		assert.Error(t, err)
	})

	t.Run("retired public keys stay verifiable", func(t *testing.T) {
		old, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		store.AddPublicKey(token.PurposeAccess, "access-000", &old.PublicKey)

		pub, err := store.VerifyingKey(token.PurposeAccess, "access-000")
		require.NoError(t, err)
		assert.Equal(t, &old.PublicKey, pub)
	})
}

func TestKeyID(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	a := token.KeyID(token.PurposeAccess, &key.PublicKey)
	assert.Contains(t, a, "access-")
	assert.Equal(t, a, token.KeyID(token.PurposeAccess, &key.PublicKey), "kid must be deterministic")

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	assert.NotEqual(t, a, token.KeyID(token.PurposeAccess, &other.PublicKey))
}

func TestLoadFileKeyStore(t *testing.T) {
	dir := t.TempDir()

	writePair := func(t *testing.T, name string) (string, string, *rsa.PrivateKey) {
		t.Helper()
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)

		privPath := filepath.Join(dir, name+"-private.pem")
		pubPath := filepath.Join(dir, name+"-public.pem")

		privDER, err := x509.MarshalPKCS8PrivateKey(key)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{
			Type: "PRIVATE KEY", Bytes: privDER,
		}), 0o600))

		pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{
			Type: "PUBLIC KEY", Bytes: pubDER,
		}), 0o644))

		return privPath, pubPath, key
	}

	accessPriv, accessPub, _ := writePair(t, "access")
	refreshPriv, refreshPub, _ := writePair(t, "refresh")

	t.Run("loads both pairs", func(t *testing.T) {
		store, err := token.LoadFileKeyStore(token.FileKeyConfig{
			AccessPrivateKeyPath:  accessPriv,
			AccessPublicKeyPath:   accessPub,
			RefreshPrivateKeyPath: refreshPriv,
			RefreshPublicKeyPath:  refreshPub,
		})
		require.NoError(t, err)

		_, accessKid, err := store.SigningKey(token.PurposeAccess)
		require.NoError(t, err)
		_, refreshKid, err := store.SigningKey(token.PurposeRefresh)
		require.NoError(t, err)
		assert.NotEqual(t, accessKid, refreshKid)
	})

	t.Run("mismatched pair is rejected", func(t *testing.T) {
		// Public half from the refresh pair against the access private key.
		_, err := token.LoadFileKeyStore(token.FileKeyConfig{
			AccessPrivateKeyPath:  accessPriv,
			AccessPublicKeyPath:   refreshPub,
			RefreshPrivateKeyPath: refreshPriv,
			RefreshPublicKeyPath:  refreshPub,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mismatch")
	})

	t.Run("missing file fails startup", func(t *testing.T) {
		_, err := token.LoadFileKeyStore(token.FileKeyConfig{
			AccessPrivateKeyPath:  filepath.Join(dir, "nope.pem"),
			AccessPublicKeyPath:   accessPub,
			RefreshPrivateKeyPath: refreshPriv,
			RefreshPublicKeyPath:  refreshPub,
		})
		assert.Error(t, err)
	})

	t.Run("non-PEM content fails", func(t *testing.T) {
		junk := filepath.Join(dir, "junk.pem")
		require.NoError(t, os.WriteFile(junk, []byte("not a pem"), 0o600))
		_, err := token.LoadFileKeyStore(token.FileKeyConfig{
			AccessPrivateKeyPath:  junk,
			AccessPublicKeyPath:   accessPub,
			RefreshPrivateKeyPath: refreshPriv,
			RefreshPublicKeyPath:  refreshPub,
		})
		assert.Error(t, err)
	})
}
