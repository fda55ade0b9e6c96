package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-jose/go-jose/v3"
)

const keyBits = 2048

// keyPair is the RSA pair loaded at startup; it is never mutated afterwards.
type keyPair struct {
	private *rsa.PrivateKey
	kid     string
}

// loadOrGenerateKeys reads both PEM halves from disk, generating and
// persisting a new pair when either file is absent.
func loadOrGenerateKeys(privatePath, publicPath string, logger *slog.Logger) (keyPair, error) {
	_, privErr := os.Stat(privatePath)
	_, pubErr := os.Stat(publicPath)
	if errors.Is(privErr, os.ErrNotExist) || errors.Is(pubErr, os.ErrNotExist) {
		logger.Warn("signing key pair missing, generating a new one; outstanding tokens become invalid",
			"private_key", privatePath, "public_key", publicPath)
		return generateKeys(privatePath, publicPath)
	}
	if privErr != nil {
		return keyPair{}, fmt.Errorf("stat private key: %w", privErr)
	}
	if pubErr != nil {
		return keyPair{}, fmt.Errorf("stat public key: %w", pubErr)
	}
	return loadKeys(privatePath, publicPath)
}

func generateKeys(privatePath, publicPath string) (keyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return keyPair{}, fmt.Errorf("generate rsa key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return keyPair{}, fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return keyPair{}, fmt.Errorf("marshal public key: %w", err)
	}

	if err := writePEM(privatePath, "PRIVATE KEY", privDER, 0o600); err != nil {
		return keyPair{}, err
	}
	if err := writePEM(publicPath, "PUBLIC KEY", pubDER, 0o644); err != nil {
		return keyPair{}, err
	}
	return newKeyPair(key)
}

func loadKeys(privatePath, publicPath string) (keyPair, error) {
	privDER, err := readPEM(privatePath, "PRIVATE KEY")
	if err != nil {
		return keyPair{}, err
	}
	parsed, err := x509.ParsePKCS8PrivateKey(privDER)
	if err != nil {
		return keyPair{}, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return keyPair{}, fmt.Errorf("private key %s is not an RSA key", privatePath)
	}

	pubDER, err := readPEM(publicPath, "PUBLIC KEY")
	if err != nil {
		return keyPair{}, err
	}
	parsedPub, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return keyPair{}, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsedPub.(*rsa.PublicKey)
	if !ok || !pub.Equal(&key.PublicKey) {
		return keyPair{}, fmt.Errorf("public key %s does not match private key %s", publicPath, privatePath)
	}
	return newKeyPair(key)
}

func newKeyPair(key *rsa.PrivateKey) (keyPair, error) {
	kid, err := thumbprint(&key.PublicKey)
	if err != nil {
		return keyPair{}, err
	}
	return keyPair{private: key, kid: kid}, nil
}

// thumbprint is the RFC 7638 key id of the public key.
func thumbprint(pub *rsa.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create key dir: %w", err)
		}
	}
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readPEM(path, blockType string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != blockType {
		return nil, fmt.Errorf("%s: expected PEM block %q", path, blockType)
	}
	return block.Bytes, nil
}
