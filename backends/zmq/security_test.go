// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zmq

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/destiny/zmq4/v25/security/curve"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCertificateRoundtrip(t *testing.T) {
	dir := t.TempDir()
	keys, err := curve.GenerateKeyPair()
	require.NoError(t, err)

	publicPath, secretPath, err := WriteCertificate(dir, "server", keys)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "server.key"), publicPath)
	assert.Equal(t, filepath.Join(dir, "server.key_secret"), secretPath)

	wantPublic, err := keys.PublicKeyZ85()
	require.NoError(t, err)
	wantSecret, err := keys.SecretKeyZ85()
	require.NoError(t, err)

	gotPublic, gotSecret, err := ReadCertificate(secretPath)
	require.NoError(t, err)
	assert.Equal(t, wantPublic, gotPublic)
	assert.Equal(t, wantSecret, gotSecret)

	gotPublic, gotSecret, err = ReadCertificate(publicPath)
	require.NoError(t, err)
	assert.Equal(t, wantPublic, gotPublic)
	assert.Empty(t, gotSecret, "public certificate must not carry the secret key")
}

func TestReadKeyPairRestoresKeys(t *testing.T) {
	dir := t.TempDir()
	keys, err := curve.GenerateKeyPair()
	require.NoError(t, err)
	_, secretPath, err := WriteCertificate(dir, "client", keys)
	require.NoError(t, err)

	restored, err := readKeyPair(secretPath)
	require.NoError(t, err)
	assert.Equal(t, keys.Public, restored.Public)
	assert.Equal(t, keys.Secret, restored.Secret)
}

func TestReadPublicKey(t *testing.T) {
	dir := t.TempDir()
	keys, err := curve.GenerateKeyPair()
	require.NoError(t, err)
	publicPath, _, err := WriteCertificate(dir, "client", keys)
	require.NoError(t, err)

	public, err := readPublicKey(publicPath)
	require.NoError(t, err)
	assert.Equal(t, keys.Public, public)
}

func TestReadCertificateMissingFile(t *testing.T) {
	_, _, err := ReadCertificate("/no/such/file.key")
	require.Error(t, err)
}

func TestReadKeyPairRejectsPublicOnly(t *testing.T) {
	dir := t.TempDir()
	keys, err := curve.GenerateKeyPair()
	require.NoError(t, err)
	publicPath, _, err := WriteCertificate(dir, "client", keys)
	require.NoError(t, err)

	_, err = readKeyPair(publicPath)
	require.Error(t, err, "a public-only certificate has no secret key")
}

func TestLoadClientKeys(t *testing.T) {
	dir := t.TempDir()
	first, err := curve.GenerateKeyPair()
	require.NoError(t, err)
	second, err := curve.GenerateKeyPair()
	require.NoError(t, err)
	_, _, err = WriteCertificate(dir, "one", first)
	require.NoError(t, err)
	_, _, err = WriteCertificate(dir, "two", second)
	require.NoError(t, err)

	allowed, err := loadClientKeys(dir)
	require.NoError(t, err)
	assert.Len(t, allowed, 2)
	assert.True(t, allowed[first.Public])
	assert.True(t, allowed[second.Public])
}

func TestLoadClientKeysEmptyDirFails(t *testing.T) {
	_, err := loadClientKeys(t.TempDir())
	require.Error(t, err, "a server accepting nobody is a misconfiguration")
}

func TestSecretCertificateIsOwnerOnly(t *testing.T) {
	dir := t.TempDir()
	keys, err := curve.GenerateKeyPair()
	require.NoError(t, err)
	_, secretPath, err := WriteCertificate(dir, "server", keys)
	require.NoError(t, err)

	info, err := os.Stat(secretPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
