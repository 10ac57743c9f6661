package security

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFilePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative file", "config.json", false},
		{"nested relative", "configs/prod.toml", false},
		{"empty", "", true},
		{"traversal", "../etc/passwd", true},
		{"absolute", "/etc/passwd", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSafeJoin(t *testing.T) {
	base := t.TempDir()

	got, err := SafeJoin(base, "abc_20240101_120000.jpg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "abc_20240101_120000.jpg"), got)

	for _, name := range []string{"", ".", "..", "../secret", "sub/file.txt", "/etc/passwd"} {
		_, err := SafeJoin(base, name)
		assert.Error(t, err, name)
	}
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"event_type":"message"}`)
	header := Sign("topsecret", body)

	assert.Contains(t, header, "sha256=")
	assert.NoError(t, VerifySignature("topsecret", body, header))
	assert.NoError(t, VerifySignature("", body, ""), "empty secret disables verification")
	assert.Error(t, VerifySignature("topsecret", body, ""))
	assert.Error(t, VerifySignature("topsecret", body, "md5=abc"))
	assert.Error(t, VerifySignature("othersecret", body, header))
	assert.Error(t, VerifySignature("topsecret", []byte("tampered"), header))
}
