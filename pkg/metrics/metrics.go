// Package metrics собирает Prometheus метрики пользовательского агента.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config - настройки сборщика.
type Config struct {
	Namespace string
	Subsystem string
	// Registerer, в котором регистрируются метрики. nil - prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		Namespace: "sipua",
		Subsystem: "",
	}
}

// Collector - набор метрик UA. Методы безопасны для конкурентного вызова;
// nil Collector ничего не делает.
type Collector struct {
	callsTotal          *prometheus.CounterVec
	callsActive         prometheus.Gauge
	callTerminations    *prometheus.CounterVec
	registrationsTotal  *prometheus.CounterVec
	transactionsTotal   *prometheus.CounterVec
	transactionTimeouts *prometheus.CounterVec
}

// New создает и регистрирует метрики.
func New(cfg Config) *Collector {
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "calls_total",
			Help:      "Total number of calls by direction",
		}, []string{"direction"}),
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "calls_active",
			Help:      "Number of calls not yet terminated",
		}),
		callTerminations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "call_terminations_total",
			Help:      "Terminated calls by termination reason",
		}, []string{"reason"}),
		registrationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "registrations_total",
			Help:      "Registration outcomes",
		}, []string{"outcome"}),
		transactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "transactions_total",
			Help:      "Client and server transactions created by method",
		}, []string{"method"}),
		transactionTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "transaction_timeouts_total",
			Help:      "Transactions that timed out by method",
		}, []string{"method"}),
	}
}

// CallStarted учитывает новый вызов; direction - "inbound" или "outbound".
func (c *Collector) CallStarted(direction string) {
	if c == nil {
		return
	}
	c.callsTotal.WithLabelValues(direction).Inc()
	c.callsActive.Inc()
}

// CallTerminated учитывает завершение вызова.
func (c *Collector) CallTerminated(reason string) {
	if c == nil {
		return
	}
	c.callsActive.Dec()
	c.callTerminations.WithLabelValues(reason).Inc()
}

// Registration учитывает исход регистрации.
func (c *Collector) Registration(outcome string) {
	if c == nil {
		return
	}
	c.registrationsTotal.WithLabelValues(outcome).Inc()
}

// Transaction учитывает созданную транзакцию.
func (c *Collector) Transaction(method string) {
	if c == nil {
		return
	}
	c.transactionsTotal.WithLabelValues(method).Inc()
}

// TransactionTimeout учитывает таймаут транзакции.
func (c *Collector) TransactionTimeout(method string) {
	if c == nil {
		return
	}
	c.transactionTimeouts.WithLabelValues(method).Inc()
}
