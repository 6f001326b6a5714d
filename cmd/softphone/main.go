// Команда softphone - консольный SIP клиент: регистрируется на прокси,
// при необходимости звонит на заданный адрес и отвечает на входящие вызовы.
//
// Пример:
//
//	softphone -proxy sip.example.com -user sip:alice@example.com -password secret -dial sip:bob@example.com
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/sipua/pkg/media"
	"github.com/arzzra/sipua/pkg/metrics"
	"github.com/arzzra/sipua/pkg/scheduler"
	"github.com/arzzra/sipua/pkg/transport"
	"github.com/arzzra/sipua/pkg/ua"
)

type options struct {
	proxy       string
	proxyPort   int
	network     string
	bindHost    string
	bindPort    int
	contactHost string
	user        string
	authUser    string
	password    string
	realm       string
	expires     int
	dial        string
	autoAnswer  bool
	persistent  bool
	keepAlive   time.Duration
	tlsInsecure bool
	nameServer  string
	mediaAddr   string
	rtpPort     int
	logFormat   string
	logLevel    string
	metricsAddr string
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.proxy, "proxy", "", "Адрес исходящего прокси/регистратора")
	flag.IntVar(&o.proxyPort, "proxy-port", 5060, "Порт прокси (0 - поиск SRV записи)")
	flag.StringVar(&o.network, "transport", "udp", "Транспорт: udp, tcp или tls")
	flag.StringVar(&o.bindHost, "bind", "0.0.0.0", "Локальный адрес для прослушивания")
	flag.IntVar(&o.bindPort, "port", 5060, "Локальный порт")
	flag.StringVar(&o.contactHost, "contact-host", "127.0.0.1", "Адрес, публикуемый в Contact и SDP")
	flag.StringVar(&o.user, "user", "", "URI регистрируемого пользователя (sip:alice@example.com)")
	flag.StringVar(&o.authUser, "auth-user", "", "Имя для аутентификации (по умолчанию из URI)")
	flag.StringVar(&o.password, "password", "", "Пароль")
	flag.StringVar(&o.realm, "realm", "", "Realm регистратора")
	flag.IntVar(&o.expires, "expires", 3600, "Срок регистрации в секундах")
	flag.StringVar(&o.dial, "dial", "", "Позвонить на URI после регистрации")
	flag.BoolVar(&o.autoAnswer, "auto-answer", false, "Автоматически отвечать на входящие вызовы")
	flag.BoolVar(&o.persistent, "persistent", true, "Постоянное соединение для TCP/TLS")
	flag.DurationVar(&o.keepAlive, "keepalive", 0, "Интервал keep-alive (0 - выключен)")
	flag.BoolVar(&o.tlsInsecure, "tls-insecure", false, "Не проверять сертификат прокси")
	flag.StringVar(&o.nameServer, "nameserver", "", "DNS сервер для поиска SRV (по умолчанию из /etc/resolv.conf)")
	flag.StringVar(&o.mediaAddr, "media-addr", "", "Адрес для SDP (по умолчанию contact-host)")
	flag.IntVar(&o.rtpPort, "rtp-port", 20000, "Первый RTP порт")
	flag.StringVar(&o.logFormat, "log-format", "console", "Формат логов: console, dev или json")
	flag.StringVar(&o.logLevel, "log-level", "info", "Уровень логов: debug, info, warn, error")
	flag.StringVar(&o.metricsAddr, "metrics-addr", "", "Адрес HTTP сервера метрик Prometheus (:9090)")
	flag.Parse()
	return o
}

func main() {
	o := parseFlags()

	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "Некорректный уровень логов: %v\n", err)
		os.Exit(2)
	}
	logger, err := newLogger(os.Stdout, o.logFormat, level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if o.proxy == "" || o.user == "" {
		fmt.Fprintln(os.Stderr, "Нужно указать -proxy и -user")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, logger); err != nil {
		logger.Error("Softphone завершился с ошибкой", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, logger *slog.Logger) error {
	network, err := ua.ParseTransportType(o.network)
	if err != nil {
		return err
	}

	cfg := ua.DefaultConfig()
	cfg.ProxyAddress = o.proxy
	cfg.ProxyPort = o.proxyPort
	if cfg.ProxyPort == 0 {
		cfg.ProxyPort = 5060
	}
	cfg.Transport = network
	cfg.LocalAddress = o.contactHost
	cfg.LocalPort = o.bindPort
	cfg.RegExpires = o.expires
	cfg.PersistentConnection = o.persistent && network.IsStream()
	cfg.KeepAliveEnabled = o.keepAlive > 0
	if cfg.KeepAliveEnabled {
		cfg.KeepAliveInterval = o.keepAlive
	}
	cfg.TLSTrustAny = o.tlsInsecure
	cfg.Logger = logger

	trCfg := transport.DefaultConfig()
	trCfg.Network = network.Network()
	trCfg.ProxyHost = o.proxy
	trCfg.ProxyPort = o.proxyPort
	trCfg.BindHost = o.bindHost
	trCfg.BindPort = o.bindPort
	trCfg.UserAgent = cfg.UserAgent
	trCfg.TLSInsecure = o.tlsInsecure
	trCfg.NameServer = o.nameServer
	trCfg.Logger = logger

	tr, err := transport.New(trCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := tr.Close(); err != nil {
			logger.Warn("Ошибка закрытия транспорта", slog.Any("error", err))
		}
	}()

	sdpCfg := media.DefaultSDPConfig()
	sdpCfg.Address = o.mediaAddr
	if sdpCfg.Address == "" {
		sdpCfg.Address = o.contactHost
	}
	sdpCfg.BasePort = o.rtpPort
	sdpCfg.Logger = logger
	engine, err := media.NewSDPEngine(sdpCfg)
	if err != nil {
		return err
	}

	sched := scheduler.New(logger)
	defer sched.Close()

	agent, err := ua.New(cfg, tr, engine, sched,
		ua.WithMetrics(metrics.New(metrics.DefaultConfig())),
		ua.WithLogger(logger))
	if err != nil {
		return err
	}

	p := newPhone(agent, logger, o.dial, o.autoAnswer)
	p.install()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tr.Listen(gctx)
	})
	if o.metricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, o.metricsAddr, logger)
		})
	}

	reg := ua.Registration{
		URI:      o.user,
		AuthUser: o.authUser,
		Password: o.password,
		Realm:    o.realm,
		Expires:  o.expires,
	}
	if err := agent.Register(reg); err != nil {
		return err
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-agent.Done():
			return errors.New("UA остановлен")
		}

		logger.Info("Завершение работы")
		agent.Terminate()
		select {
		case <-agent.Done():
		case <-time.After(5 * time.Second):
			logger.Warn("UA не остановился за отведенное время")
		}
		return nil
	})

	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Метрики доступны", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("сервер метрик: %w", err)
	}
	return nil
}

// phone реализует обработчики UA для консольного клиента
type phone struct {
	agent      *ua.UserAgent
	logger     *slog.Logger
	dialTarget string
	autoAnswer bool
	dialed     bool
}

func newPhone(agent *ua.UserAgent, logger *slog.Logger, dial string, autoAnswer bool) *phone {
	return &phone{
		agent:      agent,
		logger:     logger,
		dialTarget: strings.TrimSpace(dial),
		autoAnswer: autoAnswer,
	}
}

func (p *phone) install() {
	p.agent.SetRegisterHandler(p)
	p.agent.SetCallDialingHandler(p)
	p.agent.SetCallRingingHandler(p)
	p.agent.SetCallEstablishedHandler(p)
	p.agent.SetCallTerminatedHandler(p)
	p.agent.SetErrorHandler(p)
}

// Обработчики вызываются из очереди UA по одному, поэтому dialed без блокировки.

func (p *phone) OnUserOnline(reg ua.Registration) {
	p.logger.Info("Зарегистрирован", slog.String("uri", reg.URI))
	if p.dialTarget == "" || p.dialed {
		return
	}
	p.dialed = true
	call, err := p.agent.Dial(reg.URI, p.dialTarget)
	if err != nil {
		p.logger.Error("Не удалось начать вызов", slog.Any("error", err))
		return
	}
	p.logger.Info("Исходящий вызов", slog.Any("call", call))
}

func (p *phone) OnUserOffline(reg ua.Registration) {
	p.logger.Info("Регистрация снята", slog.String("uri", reg.URI))
}

func (p *phone) OnAuthenticationFailure(reg ua.Registration) {
	p.logger.Error("Ошибка аутентификации", slog.String("uri", reg.URI))
}

func (p *phone) OnRegisterError(reg ua.Registration, err error) {
	p.logger.Error("Ошибка регистрации", slog.String("uri", reg.URI), slog.Any("error", err))
}

func (p *phone) OnRemoteRinging(call *ua.CallSession) {
	p.logger.Info("Вызываемый абонент слышит звонок", slog.Any("call", call))
}

func (p *phone) OnRinging(call *ua.CallSession) {
	p.logger.Info("Входящий вызов", slog.Any("call", call))
	if !p.autoAnswer {
		return
	}
	if err := call.Accept(); err != nil {
		p.logger.Error("Не удалось ответить", slog.Any("error", err))
	}
}

func (p *phone) OnEstablished(call *ua.CallSession) {
	p.logger.Info("Вызов установлен", slog.Any("call", call))
}

func (p *phone) OnTerminated(call *ua.CallSession, reason ua.TerminationReason) {
	p.logger.Info("Вызов завершен", slog.Any("call", call), slog.String("reason", reason.String()))
}

func (p *phone) OnUAError(err error) {
	p.logger.Error("Ошибка UA", slog.Any("error", err))
}

func (p *phone) OnCallError(call *ua.CallSession, err error) {
	p.logger.Error("Ошибка вызова", slog.Any("call", call), slog.Any("error", err))
}
