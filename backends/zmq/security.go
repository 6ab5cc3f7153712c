// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zmq

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/destiny/zmq4/v25"
	"github.com/destiny/zmq4/v25/security/curve"

	posttroll "github.com/pytroll/go-posttroll"
)

// Certificate files use the ZeroMQ convention: NAME.key holds the
// public key, NAME.key_secret both keys, Z85-encoded in a small
// key = "value" format.

var certKeyRe = regexp.MustCompile(`(?m)^\s*(public-key|secret-key)\s*=\s*"([^"]+)"`)

// WriteCertificate writes NAME.key and NAME.key_secret into dir and
// returns both paths. The secret file is created owner-readable only.
func WriteCertificate(dir, name string, keys *curve.KeyPair) (publicPath, secretPath string, err error) {
	publicZ85, err := keys.PublicKeyZ85()
	if err != nil {
		return "", "", fmt.Errorf("encoding public key: %w", err)
	}
	secretZ85, err := keys.SecretKeyZ85()
	if err != nil {
		return "", "", fmt.Errorf("encoding secret key: %w", err)
	}

	publicPath = filepath.Join(dir, name+".key")
	secretPath = filepath.Join(dir, name+".key_secret")

	public := "#   ZeroMQ CURVE Public Certificate\n" +
		"#   Exchange securely, or use a secure mechanism to verify the contents\n" +
		"curve\n" +
		fmt.Sprintf("    public-key = %q\n", publicZ85)
	if err := os.WriteFile(publicPath, []byte(public), 0o644); err != nil {
		return "", "", err
	}

	secret := "#   ZeroMQ CURVE **Secret** Certificate\n" +
		"#   DO NOT DISTRIBUTE\n" +
		"curve\n" +
		fmt.Sprintf("    public-key = %q\n", publicZ85) +
		fmt.Sprintf("    secret-key = %q\n", secretZ85)
	if err := os.WriteFile(secretPath, []byte(secret), 0o600); err != nil {
		return "", "", err
	}
	return publicPath, secretPath, nil
}

// ReadCertificate returns the Z85-encoded keys found in a certificate
// file. The secret key is empty for public-only certificates.
func ReadCertificate(path string) (publicZ85, secretZ85 string, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("%w: reading certificate %s: %v", posttroll.ErrConnection, path, err)
	}
	for _, match := range certKeyRe.FindAllStringSubmatch(string(raw), -1) {
		switch match[1] {
		case "public-key":
			publicZ85 = match[2]
		case "secret-key":
			secretZ85 = match[2]
		}
	}
	if publicZ85 == "" {
		return "", "", fmt.Errorf("%w: no public key in certificate %s", posttroll.ErrConnection, path)
	}
	return publicZ85, secretZ85, nil
}

func readKeyPair(secretPath string) (*curve.KeyPair, error) {
	publicZ85, secretZ85, err := ReadCertificate(secretPath)
	if err != nil {
		return nil, err
	}
	if secretZ85 == "" {
		return nil, fmt.Errorf("%w: no secret key in certificate %s", posttroll.ErrConnection, secretPath)
	}
	keys, err := curve.NewKeyPairFromZ85(publicZ85, secretZ85)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding certificate %s: %v", posttroll.ErrConnection, secretPath, err)
	}
	return keys, nil
}

func readPublicKey(path string) ([curve.KeySize]byte, error) {
	var public [curve.KeySize]byte
	publicZ85, _, err := ReadCertificate(path)
	if err != nil {
		return public, err
	}
	if err := curve.ValidateZ85Key(publicZ85); err != nil {
		return public, fmt.Errorf("%w: invalid public key in %s: %v", posttroll.ErrConnection, path, err)
	}
	keys, err := curve.NewKeyPairFromZ85(publicZ85, publicZ85)
	if err != nil {
		return public, fmt.Errorf("%w: decoding public key in %s: %v", posttroll.ErrConnection, path, err)
	}
	return keys.Public, nil
}

// serverSecurity builds the CURVE mechanism for a binding socket: the
// server's own key pair plus the directory of accepted client public
// keys.
func serverSecurity(cfg *posttroll.Config) (zmq4.Security, error) {
	secretFile := cfg.GetString(posttroll.KeyServerSecretKeyFile, "")
	if secretFile == "" {
		return nil, fmt.Errorf("%w: secure_zmq needs %s", posttroll.ErrConfig, posttroll.KeyServerSecretKeyFile)
	}
	keys, err := readKeyPair(secretFile)
	if err != nil {
		return nil, err
	}
	clientsDir := cfg.GetString(posttroll.KeyClientsPublicKeysDirectory, "")
	if clientsDir == "" {
		return nil, fmt.Errorf("%w: secure_zmq needs %s", posttroll.ErrConfig, posttroll.KeyClientsPublicKeysDirectory)
	}
	if _, err := loadClientKeys(clientsDir); err != nil {
		return nil, err
	}
	return curve.NewServerSecurity(keys), nil
}

// loadClientKeys reads every certificate in the accepted-clients
// directory. An unreadable or empty directory is fatal so that a
// misconfigured server refuses to start instead of accepting nobody.
func loadClientKeys(dir string) (map[[curve.KeySize]byte]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading client keys directory %s: %v", posttroll.ErrConnection, dir, err)
	}
	allowed := make(map[[curve.KeySize]byte]bool)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".key") {
			continue
		}
		public, err := readPublicKey(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		allowed[public] = true
	}
	if len(allowed) == 0 {
		return nil, fmt.Errorf("%w: no client certificates in %s", posttroll.ErrConnection, dir)
	}
	return allowed, nil
}

// clientSecurity builds the CURVE mechanism for a connecting socket:
// the client's own key pair plus the server's public key.
func clientSecurity(cfg *posttroll.Config) (zmq4.Security, error) {
	secretFile := cfg.GetString(posttroll.KeyClientSecretKeyFile, "")
	if secretFile == "" {
		return nil, fmt.Errorf("%w: secure_zmq needs %s", posttroll.ErrConfig, posttroll.KeyClientSecretKeyFile)
	}
	keys, err := readKeyPair(secretFile)
	if err != nil {
		return nil, err
	}
	serverKeyFile := cfg.GetString(posttroll.KeyServerPublicKeyFile, "")
	if serverKeyFile == "" {
		return nil, fmt.Errorf("%w: secure_zmq needs %s", posttroll.ErrConfig, posttroll.KeyServerPublicKeyFile)
	}
	serverPublic, err := readPublicKey(serverKeyFile)
	if err != nil {
		return nil, err
	}
	return curve.NewClientSecurity(keys, serverPublic), nil
}
