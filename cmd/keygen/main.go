// Package main generates the RSA key pairs the auth gateway signs tokens
// with: one private/public PEM pair each for access and refresh tokens.
// Existing files are never overwritten without -force.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/velomart/commerce-security-core/internal/token"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dir := flag.String("dir", ".", "output directory")
	bits := flag.Int("bits", 2048, "RSA modulus size")
	force := flag.Bool("force", false, "overwrite existing key files")
	flag.Parse()

	if *bits < 2048 {
		return fmt.Errorf("refusing modulus below 2048 bits")
	}
	if err := os.MkdirAll(*dir, 0o755); err != nil {
		return err
	}

	for _, p := range []token.Purpose{token.PurposeAccess, token.PurposeRefresh} {
		if err := writePair(*dir, p, *bits, *force); err != nil {
			return err
		}
	}
	return nil
}

func writePair(dir string, p token.Purpose, bits int, force bool) error {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return fmt.Errorf("generate %s key: %w", p, err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("encode %s private key: %w", p, err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("encode %s public key: %w", p, err)
	}

	privPath := filepath.Join(dir, string(p)+"_private.pem")
	pubPath := filepath.Join(dir, string(p)+"_public.pem")

	// The private key is readable by the owner only.
	if err := writePEM(privPath, "PRIVATE KEY", privDER, 0o600, force); err != nil {
		return err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER, 0o644, force); err != nil {
		return err
	}

	name := strings.ToUpper(string(p))
	fmt.Printf("# %s key ID %s\n", p, token.KeyID(p, &key.PublicKey))
	fmt.Printf("JWT_%s_PRIVATE_KEY_PATH=%s\n", name, privPath)
	fmt.Printf("JWT_%s_PUBLIC_KEY_PATH=%s\n", name, pubPath)
	return nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, mode)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s exists; pass -force to overwrite", path)
		}
		return err
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
