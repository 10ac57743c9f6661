package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"chatrelay/internal/constants"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EnableEncryptionEnv turns on content encryption at rest.
	EnableEncryptionEnv = "CHATRELAY_ENABLE_ENCRYPTION"
	// EncryptionSecretEnv holds the passphrase the key is derived from.
	EncryptionSecretEnv = "CHATRELAY_ENCRYPTION_SECRET"

	minSecretLength = 32
	cipherPrefix    = "enc:v1:"
)

// Encryptor seals message content before it reaches storage. A disabled
// encryptor passes values through unchanged.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptorFromEnv builds an encryptor from CHATRELAY_ENABLE_ENCRYPTION
// and CHATRELAY_ENCRYPTION_SECRET.
func NewEncryptorFromEnv() (*Encryptor, error) {
	if os.Getenv(EnableEncryptionEnv) != "true" {
		return &Encryptor{}, nil
	}
	return NewEncryptor(os.Getenv(EncryptionSecretEnv))
}

// NewEncryptor derives an AES-256-GCM key from secret.
func NewEncryptor(secret string) (*Encryptor, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{gcm: gcm}, nil
}

// Enabled reports whether values are sealed.
func (e *Encryptor) Enabled() bool {
	return e != nil && e.gcm != nil
}

func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || !e.Enabled() {
		return plaintext, nil
	}

	nonce := make([]byte, constants.EncryptionNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := e.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	result := append(nonce, ciphertext...)
	return cipherPrefix + base64.StdEncoding.EncodeToString(result), nil
}

// Decrypt opens a value produced by Encrypt. Values stored before
// encryption was enabled carry no prefix and are returned as-is.
func (e *Encryptor) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, cipherPrefix) {
		return value, nil
	}
	if !e.Enabled() {
		return "", fmt.Errorf("encrypted value found but encryption is disabled")
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, cipherPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	if len(data) < constants.EncryptionNonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:constants.EncryptionNonceSize], data[constants.EncryptionNonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

func deriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("%s environment variable is required when encryption is enabled", EncryptionSecretEnv)
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("encryption secret must be at least %d characters long", minSecretLength)
	}

	salt := []byte(constants.EncryptionSalt)
	return pbkdf2.Key([]byte(secret), salt, constants.EncryptionIterations, constants.EncryptionKeySize, sha256.New), nil
}
