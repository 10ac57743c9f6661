package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "this-is-a-very-long-test-secret-key-for-encryption-testing"

func TestEncryptor_EncryptDecrypt(t *testing.T) {
	encryptor, err := NewEncryptor(testSecret)
	require.NoError(t, err)
	assert.True(t, encryptor.Enabled())

	testCases := []struct {
		name      string
		plaintext string
	}{
		{name: "simple text", plaintext: "hello world"},
		{name: "empty string", plaintext: ""},
		{name: "unicode text", plaintext: "Olá mundo 🌍"},
		{name: "special characters", plaintext: "!@#$%^&*()_+-=[]{}|;':\",./<>?"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ciphertext, err := encryptor.Encrypt(tc.plaintext)
			require.NoError(t, err)

			if tc.plaintext == "" {
				assert.Equal(t, "", ciphertext)
				return
			}

			assert.True(t, strings.HasPrefix(ciphertext, cipherPrefix))
			assert.NotContains(t, ciphertext, tc.plaintext)

			decrypted, err := encryptor.Decrypt(ciphertext)
			require.NoError(t, err)
			assert.Equal(t, tc.plaintext, decrypted)
		})
	}
}

func TestEncryptor_RandomNonce(t *testing.T) {
	encryptor, err := NewEncryptor(testSecret)
	require.NoError(t, err)

	a, err := encryptor.Encrypt("same")
	require.NoError(t, err)
	b, err := encryptor.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncryptor_Disabled(t *testing.T) {
	t.Setenv(EnableEncryptionEnv, "")
	encryptor, err := NewEncryptorFromEnv()
	require.NoError(t, err)
	assert.False(t, encryptor.Enabled())

	out, err := encryptor.Encrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)

	_, err = encryptor.Decrypt(cipherPrefix + "AAAA")
	assert.Error(t, err)
}

func TestEncryptor_PlaintextPassthrough(t *testing.T) {
	encryptor, err := NewEncryptor(testSecret)
	require.NoError(t, err)

	out, err := encryptor.Decrypt("stored before encryption")
	require.NoError(t, err)
	assert.Equal(t, "stored before encryption", out)
}

func TestEncryptor_FromEnv(t *testing.T) {
	t.Setenv(EnableEncryptionEnv, "true")
	t.Setenv(EncryptionSecretEnv, "short")
	_, err := NewEncryptorFromEnv()
	assert.Error(t, err)

	t.Setenv(EncryptionSecretEnv, "")
	_, err = NewEncryptorFromEnv()
	assert.Error(t, err)

	t.Setenv(EncryptionSecretEnv, testSecret)
	encryptor, err := NewEncryptorFromEnv()
	require.NoError(t, err)
	assert.True(t, encryptor.Enabled())
}

func TestEncryptor_WrongKey(t *testing.T) {
	a, err := NewEncryptor(testSecret)
	require.NoError(t, err)
	b, err := NewEncryptor(testSecret + "-other")
	require.NoError(t, err)

	sealed, err := a.Encrypt("secret")
	require.NoError(t, err)
	_, err = b.Decrypt(sealed)
	assert.Error(t, err)

	_, err = a.Decrypt(cipherPrefix + "!!notbase64")
	assert.Error(t, err)
	_, err = a.Decrypt(cipherPrefix + "AAAA")
	assert.Error(t, err)
}
