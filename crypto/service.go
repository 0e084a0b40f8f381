package crypto

import (
	stdcrypto "crypto"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Service encrypts payloads for recipients and signs with the owner's key.
type Service struct {
	key *KeyPair
}

func NewService(key *KeyPair) *Service {
	return &Service{key: key}
}

func (s *Service) KeyPair() *KeyPair {
	return s.key
}

// Encrypt seals plaintext under a fresh ChaCha20-Poly1305 key and wraps that
// key for the recipient with RSA-OAEP. Both results are base64 encoded.
func (s *Service) Encrypt(plaintext []byte, recipientPEM string) (wrappedKey, ciphertext string, err error) {
	pub, err := ParsePublicKey([]byte(recipientPEM))
	if err != nil {
		return "", "", err
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	sealed, err := sealAEAD(plaintext, aead)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	enc := base64.StdEncoding
	return enc.EncodeToString(wrapped), enc.EncodeToString(sealed), nil
}

func (s *Service) Decrypt(ciphertext, wrappedKey string) ([]byte, error) {
	enc := base64.StdEncoding
	wrapped, err := enc.DecodeString(wrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: key: %v", ErrDecryptionFailed, err)
	}
	sealed, err := enc.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrDecryptionFailed, err)
	}

	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, s.key.private, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plain, err := openAEAD(sealed, aead)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plain, nil
}

// Sign returns the base64 PKCS#1 v1.5 SHA-256 signature of message.
func (s *Service) Sign(message string) (string, error) {
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key.private, stdcrypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func Verify(message, signature string, pub *rsa.PublicKey) bool {
	return CheckSignature(message, signature, pub) == nil
}

// CheckSignature is Verify with the failure reason.
func CheckSignature(message, signature string, pub *rsa.PublicKey) error {
	if pub == nil {
		return fmt.Errorf("%w: no public key", ErrSignatureInvalid)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	digest := sha256.Sum256([]byte(message))
	if err := rsa.VerifyPKCS1v15(pub, stdcrypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

func sealAEAD(data []byte, aead cipher.AEAD) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, data, nil), nil
}

func openAEAD(data []byte, aead cipher.AEAD) ([]byte, error) {
	if len(data) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce := data[:aead.NonceSize()]
	return aead.Open(nil, nonce, data[aead.NonceSize():], nil)
}
