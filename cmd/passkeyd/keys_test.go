package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSigningKey_Ephemeral(t *testing.T) {
	key, ephemeral, err := loadSigningKey("")
	require.NoError(t, err)
	assert.True(t, ephemeral)
	assert.Equal(t, elliptic.P256(), key.Curve)
}

func TestLoadSigningKey_PEM(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	sec1, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	for blockType, der := range map[string][]byte{"EC PRIVATE KEY": sec1, "PRIVATE KEY": pkcs8} {
		path := filepath.Join(t.TempDir(), "key.pem")
		require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), 0o600))

		loaded, ephemeral, err := loadSigningKey(path)
		require.NoError(t, err, blockType)
		assert.False(t, ephemeral)
		assert.True(t, key.Equal(loaded), blockType)
	}
}

func TestParseSigningKey_Rejects(t *testing.T) {
	_, err := parseSigningKey([]byte("not pem"))
	assert.Error(t, err)

	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(p384)
	require.NoError(t, err)
	_, err = parseSigningKey(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
	assert.ErrorContains(t, err, "P-256")

	_, err = parseSigningKey(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1}}))
	assert.ErrorContains(t, err, "unsupported")
}
