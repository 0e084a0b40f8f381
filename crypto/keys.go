// Package crypto holds the key material and primitives used by clients,
// servers and the balancer: PEM encoded RSA key pairs, hybrid payload
// encryption and assignment signatures.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

const DefaultKeyBits = 2048

// KeyPair is an RSA private key with its public half.
type KeyPair struct {
	private *rsa.PrivateKey
}

func GenerateKey(bits int) (*KeyPair, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return &KeyPair{private: priv}, nil
}

func (k *KeyPair) Public() *rsa.PublicKey {
	return &k.private.PublicKey
}

func (k *KeyPair) PrivatePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k.private),
	})
}

func (k *KeyPair) PublicPEM() []byte {
	return EncodePublicKey(k.Public())
}

func EncodePublicKey(pub *rsa.PublicKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(pub),
	})
}

// Save writes <prefix>_private.pem and <prefix>_public.pem.
func (k *KeyPair) Save(prefix string) error {
	if err := os.WriteFile(prefix+"_private.pem", k.PrivatePEM(), 0o600); err != nil {
		return err
	}
	return os.WriteFile(prefix+"_public.pem", k.PublicPEM(), 0o644)
}

// LoadOrGenerate reads the pair saved under prefix, creating it on first use.
func LoadOrGenerate(prefix string, bits int) (*KeyPair, error) {
	data, err := os.ReadFile(prefix + "_private.pem")
	if err == nil {
		return ParsePrivateKey(data)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	k, err := GenerateKey(bits)
	if err != nil {
		return nil, err
	}
	if err := k.Save(prefix); err != nil {
		return nil, err
	}
	return k, nil
}

func ParsePrivateKey(data []byte) (*KeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}
	if priv, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &KeyPair{private: priv}, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
	}
	return &KeyPair{private: priv}, nil
}

// ParsePublicKey accepts PKCS#1 and PKIX encoded RSA public keys.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
	}
	return pub, nil
}

func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePublicKey(data)
}
