// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package posttroll

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Recognized configuration keys. Each key can also be supplied through
// the environment as POSTTROLL_<KEY-IN-UPPERCASE>.
const (
	KeyBackend                    = "backend"
	KeyTCPKeepalive               = "tcp_keepalive"
	KeyTCPKeepaliveCnt            = "tcp_keepalive_cnt"
	KeyTCPKeepaliveIdle           = "tcp_keepalive_idle"
	KeyTCPKeepaliveIntvl          = "tcp_keepalive_intvl"
	KeyMulticastInterface         = "multicast_interface"
	KeyMcGroup                    = "mc_group"
	KeyNameservers                = "nameservers"
	KeyBroadcastPort              = "broadcast_port"
	KeyNameserverPort             = "nameserver_port"
	KeyAddressPublishPort         = "address_publish_port"
	KeyMessageVersion             = "message_version"
	KeyServerPublicKeyFile        = "server_public_key_file"
	KeyServerSecretKeyFile        = "server_secret_key_file"
	KeyClientPublicKeyFile        = "client_public_key_file"
	KeyClientSecretKeyFile        = "client_secret_key_file"
	KeyClientsPublicKeysDirectory = "clients_public_keys_directory"
)

// Backend names selectable through the "backend" key.
const (
	BackendUnsecureZMQ = "unsecure_zmq"
	BackendSecureZMQ   = "secure_zmq"
)

// Defaults for the well-known ports and addresses.
const (
	DefaultMcGroup            = "225.0.0.212"
	DefaultBroadcastPort      = 21200
	DefaultNameserverPort     = 5557
	DefaultAddressPublishPort = 16543
)

var knownKeys = map[string]bool{
	KeyBackend:                    true,
	KeyTCPKeepalive:               true,
	KeyTCPKeepaliveCnt:            true,
	KeyTCPKeepaliveIdle:           true,
	KeyTCPKeepaliveIntvl:          true,
	KeyMulticastInterface:         true,
	KeyMcGroup:                    true,
	KeyNameservers:                true,
	KeyBroadcastPort:              true,
	KeyNameserverPort:             true,
	KeyAddressPublishPort:         true,
	KeyMessageVersion:             true,
	KeyServerPublicKeyFile:        true,
	KeyServerSecretKeyFile:        true,
	KeyClientPublicKeyFile:        true,
	KeyClientSecretKeyFile:        true,
	KeyClientsPublicKeysDirectory: true,
}

// Config is a process-wide, read-mostly bag of options with scoped
// overrides. Overrides installed with Push nest with stack discipline:
// the returned restore function puts the previous values back and must
// run on every exit path.
type Config struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewConfig returns a Config seeded with the built-in defaults and any
// POSTTROLL_* environment variables.
func NewConfig() *Config {
	cfg := &Config{values: map[string]interface{}{
		KeyBackend: BackendUnsecureZMQ,
	}}
	cfg.loadEnv()
	return cfg
}

var (
	defaultConfig     *Config
	defaultConfigOnce sync.Once
)

// GetConfig returns the process-wide configuration, creating it on
// first use.
func GetConfig() *Config {
	defaultConfigOnce.Do(func() {
		defaultConfig = NewConfig()
	})
	return defaultConfig
}

func (c *Config) loadEnv() {
	for key := range knownKeys {
		env := "POSTTROLL_" + strings.ToUpper(key)
		val, ok := os.LookupEnv(env)
		if !ok {
			continue
		}
		if key == KeyNameservers {
			c.values[key] = splitNonEmpty(val, ",")
			continue
		}
		c.values[key] = val
	}
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Set installs a single value. Unknown keys fail with ErrConfig.
func (c *Config) Set(key string, value interface{}) error {
	if !knownKeys[key] {
		return fmt.Errorf("%w: unknown key %q", ErrConfig, key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}

// Push installs a set of overrides and returns the function restoring
// the previous state. Restores nest with stack discipline.
func (c *Config) Push(overrides map[string]interface{}) (restore func(), err error) {
	for key := range overrides {
		if !knownKeys[key] {
			return nil, fmt.Errorf("%w: unknown key %q", ErrConfig, key)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	saved := make(map[string]interface{}, len(overrides))
	present := make(map[string]bool, len(overrides))
	for key, val := range overrides {
		saved[key], present[key] = c.values[key]
		c.values[key] = val
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for key := range overrides {
			if present[key] {
				c.values[key] = saved[key]
			} else {
				delete(c.values, key)
			}
		}
	}, nil
}

// Get returns the raw value for key, or nil when unset.
func (c *Config) Get(key string) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[key]
}

// GetString returns the value for key as a string, or def when unset.
func (c *Config) GetString(key, def string) string {
	switch v := c.Get(key).(type) {
	case nil:
		return def
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// GetInt returns the value for key as an int, or def when unset or not
// convertible.
func (c *Config) GetInt(key string, def int) int {
	switch v := c.Get(key).(type) {
	case nil:
		return def
	case int:
		return v
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

// GetBool returns the value for key as a bool, or def when unset.
func (c *Config) GetBool(key string, def bool) bool {
	switch v := c.Get(key).(type) {
	case nil:
		return def
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return def
		}
		return b
	case int:
		return v != 0
	default:
		return def
	}
}

// GetStringSlice returns the value for key as a list of strings, or nil
// when unset.
func (c *Config) GetStringSlice(key string) []string {
	switch v := c.Get(key).(type) {
	case nil:
		return nil
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case string:
		return splitNonEmpty(v, ",")
	default:
		return nil
	}
}

// Backend returns the configured transport backend name.
func (c *Config) Backend() string {
	backend := c.GetString(KeyBackend, BackendUnsecureZMQ)
	// "zmq" is accepted as an alias for the plain backend.
	if backend == "zmq" {
		backend = BackendUnsecureZMQ
	}
	return backend
}

// BroadcastPort returns the UDP port used for advertisements.
func (c *Config) BroadcastPort() int {
	return c.GetInt(KeyBroadcastPort, DefaultBroadcastPort)
}

// NameserverPort returns the port of the nameserver reply socket.
func (c *Config) NameserverPort() int {
	return c.GetInt(KeyNameserverPort, DefaultNameserverPort)
}

// AddressPublishPort returns the port on which an address receiver
// republishes registration events.
func (c *Config) AddressPublishPort() int {
	return c.GetInt(KeyAddressPublishPort, DefaultAddressPublishPort)
}

// McGroup returns the multicast group for advertisements.
func (c *Config) McGroup() string {
	return c.GetString(KeyMcGroup, DefaultMcGroup)
}
