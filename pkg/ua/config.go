package ua

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// TransportType - тип транспорта до прокси
type TransportType string

const (
	// TransportUDP - UDP транспорт
	TransportUDP TransportType = "UDP"
	// TransportTCP - TCP транспорт
	TransportTCP TransportType = "TCP"
	// TransportTLS - TLS транспорт
	TransportTLS TransportType = "TLS"
)

// ParseTransportType разбирает тип транспорта без учета регистра.
func ParseTransportType(s string) (TransportType, error) {
	switch t := TransportType(strings.ToUpper(strings.TrimSpace(s))); t {
	case TransportUDP, TransportTCP, TransportTLS:
		return t, nil
	}
	return "", errConfig("Transport", s, "допустимы UDP, TCP или TLS")
}

// IsStream возвращает true для транспортов с установлением соединения
func (t TransportType) IsStream() bool {
	return t == TransportTCP || t == TransportTLS
}

// Network возвращает имя сети в терминах sipgo ("udp", "tcp", "tls")
func (t TransportType) Network() string {
	return strings.ToLower(string(t))
}

// minLocalPort - первый непривилегированный порт
const minLocalPort = 1024

// Config - настройки UserAgent.
//
// Пример:
//
//	cfg := ua.DefaultConfig()
//	cfg.ProxyAddress = "sip.example.com"
//	cfg.Transport = ua.TransportTCP
//	cfg.PersistentConnection = true
type Config struct {
	// Адрес и порт исходящего прокси/регистратора
	ProxyAddress string
	ProxyPort    int

	Transport TransportType

	// Локальный адрес для Contact
	LocalAddress string
	LocalPort    int

	// Запрашиваемый срок регистрации в секундах
	RegExpires int

	KeepAliveEnabled  bool
	KeepAliveInterval time.Duration

	// PersistentConnection включает отслеживание NAT через received/rport
	// и проверку локального адреса соединения
	PersistentConnection bool

	// TLSTrustAny отключает проверку сертификата прокси
	TLSTrustAny bool

	UserAgent string

	// Период проверки локального адреса соединения с прокси
	ConnectionProbeInterval time.Duration

	Logger *slog.Logger
}

// DefaultConfig возвращает конфигурацию по умолчанию. ProxyAddress нужно указать.
func DefaultConfig() Config {
	return Config{
		ProxyPort:               5060,
		Transport:               TransportUDP,
		LocalAddress:            "127.0.0.1",
		LocalPort:               5060,
		RegExpires:              3600,
		KeepAliveInterval:       30 * time.Second,
		UserAgent:               "SipUA/1.0",
		ConnectionProbeInterval: 2 * time.Second,
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.ProxyAddress == "" {
		return errConfig("ProxyAddress", c.ProxyAddress, "адрес прокси обязателен")
	}
	if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
		return errConfig("ProxyPort", c.ProxyPort, "некорректный порт")
	}
	if _, err := ParseTransportType(string(c.Transport)); err != nil {
		return err
	}
	if c.LocalPort < minLocalPort || c.LocalPort > 65535 {
		return errConfig("LocalPort", c.LocalPort, fmt.Sprintf("порт должен быть в диапазоне %d-65535", minLocalPort))
	}
	if c.RegExpires < 0 {
		return errConfig("RegExpires", c.RegExpires, "не может быть отрицательным")
	}
	if c.KeepAliveEnabled && c.KeepAliveInterval <= 0 {
		return errConfig("KeepAliveInterval", c.KeepAliveInterval, "должен быть положительным")
	}
	if c.ConnectionProbeInterval < 0 {
		return errConfig("ConnectionProbeInterval", c.ConnectionProbeInterval, "не может быть отрицательным")
	}
	return nil
}

func (c *Config) normalize() {
	if t, err := ParseTransportType(string(c.Transport)); err == nil {
		c.Transport = t
	}
	if c.UserAgent == "" {
		c.UserAgent = "SipUA/1.0"
	}
	if c.ConnectionProbeInterval == 0 {
		c.ConnectionProbeInterval = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// persistent - соединение постоянное (поток + включенная настройка)
func (c *Config) persistent() bool {
	return c.PersistentConnection && c.Transport.IsStream()
}

// keepAlive - нужно ли слать heartbeat
func (c *Config) keepAlive() bool {
	return c.persistent() && c.KeepAliveEnabled
}

func (c *Config) proxyHostPort() string {
	return fmt.Sprintf("%s:%d", c.ProxyAddress, c.ProxyPort)
}

// transportChanged - поменялись настройки, требующие пересоздания транспорта
func transportChanged(a, b Config) bool {
	return a.ProxyAddress != b.ProxyAddress ||
		a.ProxyPort != b.ProxyPort ||
		a.Transport != b.Transport ||
		a.LocalAddress != b.LocalAddress ||
		a.LocalPort != b.LocalPort ||
		a.PersistentConnection != b.PersistentConnection ||
		a.TLSTrustAny != b.TLSTrustAny
}
