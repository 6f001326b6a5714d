package ua

import (
	"log/slog"
)

// startTimers запускает heartbeat и проверку соединения, если они нужны
func (u *UserAgent) startTimers() {
	if !u.networkUp {
		return
	}
	u.startKeepAlive()
	u.startProbe()
}

func (u *UserAgent) startKeepAlive() {
	if !u.cfg.keepAlive() || u.keepAliveTimer != 0 {
		return
	}
	interval := u.cfg.KeepAliveInterval
	u.keepAliveTimer = u.sched.Schedule(func() {
		u.post(u.keepAlive)
	}, interval, interval)
	u.logger.Debug("keep-alive запущен", slog.Duration("interval", interval))
}

func (u *UserAgent) stopKeepAlive() {
	u.sched.Cancel(u.keepAliveTimer)
	u.keepAliveTimer = 0
}

func (u *UserAgent) startProbe() {
	if !u.cfg.persistent() || u.probeTimer != 0 {
		return
	}
	if _, ok := u.tr.(ConnectionProber); !ok {
		return
	}
	interval := u.cfg.ConnectionProbeInterval
	u.probeTimer = u.sched.Schedule(func() {
		u.post(u.probe)
	}, interval, interval)
}

func (u *UserAgent) stopTimers() {
	u.stopKeepAlive()
	u.sched.Cancel(u.probeTimer)
	u.probeTimer = 0
}

func (u *UserAgent) keepAlive() {
	if err := u.tr.SendKeepAlive(u.ctx); err != nil {
		u.logger.Warn("keep-alive не отправлен", slog.Any("error", err))
		_, eh := u.handlers()
		eh.OnUAError(errTransport("keep-alive", err))
	}
}

// probe сравнивает локальный адрес соединения с прокси с прошлым значением.
// При смене адреса все URI регистрируются заново.
func (u *UserAgent) probe() {
	prober, ok := u.tr.(ConnectionProber)
	if !ok {
		return
	}
	addr, err := prober.LocalConnectionAddr(u.ctx)
	if err != nil {
		u.logger.Debug("нет соединения с прокси", slog.Any("error", err))
		return
	}
	prev := u.connAddr
	u.connAddr = addr
	if prev == "" || prev == addr {
		return
	}
	u.logger.Info("соединение с прокси пересоздано",
		slog.String("old", prev), slog.String("new", addr))
	u.publicAddr, u.publicPort = "", 0
	u.reregisterAll()
}

// NetworkChanged сообщает UA о смене доступности сети.
func (u *UserAgent) NetworkChanged(up bool) {
	u.post(func() {
		if u.networkUp == up {
			return
		}
		u.networkUp = up
		if !up {
			u.logger.Info("сеть недоступна")
			u.stopTimers()
			return
		}
		u.logger.Info("сеть доступна")
		u.connAddr = ""
		u.startTimers()
		u.reregisterAll()
	})
}

// Reconfigure применяет новую конфигурацию. Смена срока регистрации
// перерегистрирует все URI, смена keep-alive перезапускает heartbeat.
// Настройки транспорта применяются только при создании транспорта.
func (u *UserAgent) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Logger == nil {
		cfg.Logger = u.cfg.Logger
	}
	cfg.normalize()
	u.post(func() {
		old := u.cfg
		if transportChanged(old, cfg) {
			u.logger.Warn("настройки транспорта изменятся только после пересоздания UA")
			cfg.ProxyAddress, cfg.ProxyPort = old.ProxyAddress, old.ProxyPort
			cfg.Transport = old.Transport
			cfg.LocalAddress, cfg.LocalPort = old.LocalAddress, old.LocalPort
			cfg.PersistentConnection, cfg.TLSTrustAny = old.PersistentConnection, old.TLSTrustAny
		}
		u.cfg = cfg

		if old.KeepAliveEnabled != cfg.KeepAliveEnabled || old.KeepAliveInterval != cfg.KeepAliveInterval {
			u.stopKeepAlive()
			if u.networkUp {
				u.startKeepAlive()
			}
		}
		if old.RegExpires != cfg.RegExpires {
			for _, rs := range u.store.registrations() {
				if rs.reg.Expires <= 0 {
					rs.expires = cfg.RegExpires
				}
			}
			u.reregisterAll()
		}
	})
	return nil
}
