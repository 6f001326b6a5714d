package transport

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Config - настройки транспорта на базе sipgo.
type Config struct {
	// Network - "udp", "tcp" или "tls"
	Network string

	// Исходящий прокси. ProxyPort == 0 включает поиск SRV записей
	ProxyHost string
	ProxyPort int

	// Адрес, на котором слушаем входящие запросы
	BindHost string
	BindPort int

	// UserAgent для заголовков, которые добавляет sipgo
	UserAgent string

	// TLSConfig для исходящих и входящих TLS соединений
	TLSConfig *tls.Config
	// TLSInsecure отключает проверку сертификата прокси
	TLSInsecure bool

	// NameServer - DNS сервер ("8.8.8.8:53"). Пусто - /etc/resolv.conf
	NameServer string
	DNSTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Network:    "udp",
		ProxyPort:  5060,
		BindHost:   "0.0.0.0",
		BindPort:   5060,
		UserAgent:  "SipUA/1.0",
		DNSTimeout: 5 * time.Second,
	}
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	switch strings.ToLower(c.Network) {
	case "udp", "tcp", "tls":
	default:
		return fmt.Errorf("неподдерживаемая сеть %q", c.Network)
	}
	if c.ProxyHost == "" {
		return fmt.Errorf("адрес прокси обязателен")
	}
	if c.ProxyPort < 0 || c.ProxyPort > 65535 {
		return fmt.Errorf("некорректный порт прокси: %d", c.ProxyPort)
	}
	if c.BindHost == "" {
		return fmt.Errorf("адрес для прослушивания обязателен")
	}
	if c.BindPort < 0 || c.BindPort > 65535 {
		return fmt.Errorf("некорректный локальный порт: %d", c.BindPort)
	}
	if c.DNSTimeout < 0 {
		return fmt.Errorf("таймаут DNS не может быть отрицательным")
	}
	return nil
}

func (c *Config) network() string {
	return strings.ToLower(c.Network)
}

// tlsConfig возвращает конфигурацию TLS с учетом TLSInsecure
func (c *Config) tlsConfig() *tls.Config {
	if c.TLSConfig == nil && !c.TLSInsecure {
		return nil
	}
	conf := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.TLSConfig != nil {
		conf = c.TLSConfig.Clone()
	}
	if c.TLSInsecure {
		conf.InsecureSkipVerify = true //nolint:gosec
	}
	return conf
}
