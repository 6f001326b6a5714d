package transport

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{"корректная", func(c *Config) {}, false},
		{"SRV без порта", func(c *Config) { c.ProxyPort = 0 }, false},
		{"TLS в любом регистре", func(c *Config) { c.Network = "TLS" }, false},
		{"неизвестная сеть", func(c *Config) { c.Network = "sctp" }, true},
		{"нет прокси", func(c *Config) { c.ProxyHost = "" }, true},
		{"порт прокси вне диапазона", func(c *Config) { c.ProxyPort = 70000 }, true},
		{"нет адреса прослушивания", func(c *Config) { c.BindHost = "" }, true},
		{"отрицательный локальный порт", func(c *Config) { c.BindPort = -1 }, true},
		{"отрицательный таймаут DNS", func(c *Config) { c.DNSTimeout = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ProxyHost = "proxy.example.com"
			tt.modify(&cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigTLS(t *testing.T) {
	cfg := DefaultConfig()
	assert.Nil(t, cfg.tlsConfig())

	cfg.TLSInsecure = true
	conf := cfg.tlsConfig()
	require.NotNil(t, conf)
	assert.True(t, conf.InsecureSkipVerify)

	base := &tls.Config{ServerName: "proxy.example.com"}
	cfg.TLSConfig = base
	conf = cfg.tlsConfig()
	assert.Equal(t, "proxy.example.com", conf.ServerName)
	assert.True(t, conf.InsecureSkipVerify)
	assert.False(t, base.InsecureSkipVerify, "base config must stay untouched")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{Network: "udp"})
	require.Error(t, err)
}
