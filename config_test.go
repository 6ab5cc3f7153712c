// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package posttroll

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, BackendUnsecureZMQ, cfg.Backend())
	assert.Equal(t, DefaultBroadcastPort, cfg.BroadcastPort())
	assert.Equal(t, DefaultNameserverPort, cfg.NameserverPort())
	assert.Equal(t, DefaultAddressPublishPort, cfg.AddressPublishPort())
	assert.Equal(t, DefaultMcGroup, cfg.McGroup())
}

func TestConfigEnvLoading(t *testing.T) {
	t.Setenv("POSTTROLL_BACKEND", "secure_zmq")
	t.Setenv("POSTTROLL_NAMESERVER_PORT", "6000")
	t.Setenv("POSTTROLL_NAMESERVERS", "alpha,beta:6001, gamma")
	cfg := NewConfig()
	assert.Equal(t, BackendSecureZMQ, cfg.Backend())
	assert.Equal(t, 6000, cfg.NameserverPort())
	assert.Equal(t, []string{"alpha", "beta:6001", "gamma"}, cfg.GetStringSlice(KeyNameservers))
}

func TestConfigUnknownKey(t *testing.T) {
	cfg := NewConfig()
	err := cfg.Set("no_such_key", 1)
	require.ErrorIs(t, err, ErrConfig)
	_, err = cfg.Push(map[string]interface{}{"no_such_key": 1})
	require.ErrorIs(t, err, ErrConfig)
}

func TestConfigScopedOverride(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.Set(KeyNameserverPort, 5000))

	restore, err := cfg.Push(map[string]interface{}{
		KeyNameserverPort: 6000,
		KeyMcGroup:        "224.0.0.1",
	})
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.NameserverPort())
	assert.Equal(t, "224.0.0.1", cfg.McGroup())

	restore()
	assert.Equal(t, 5000, cfg.NameserverPort())
	assert.Equal(t, DefaultMcGroup, cfg.McGroup(), "unset keys must be removed on restore")
}

func TestConfigNestedOverridesRestoreInOrder(t *testing.T) {
	cfg := NewConfig()
	outer, err := cfg.Push(map[string]interface{}{KeyNameserverPort: 6000})
	require.NoError(t, err)
	inner, err := cfg.Push(map[string]interface{}{KeyNameserverPort: 7000})
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.NameserverPort())
	inner()
	assert.Equal(t, 6000, cfg.NameserverPort())
	outer()
	assert.Equal(t, DefaultNameserverPort, cfg.NameserverPort())
}

func TestConfigBackendAlias(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.Set(KeyBackend, "zmq"))
	assert.Equal(t, BackendUnsecureZMQ, cfg.Backend())
}

func TestGetBoolConversions(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.Set(KeyTCPKeepalive, "1"))
	assert.True(t, cfg.GetBool(KeyTCPKeepalive, false))
	require.NoError(t, cfg.Set(KeyTCPKeepalive, 0))
	assert.False(t, cfg.GetBool(KeyTCPKeepalive, true))
}
