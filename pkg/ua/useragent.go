// Package ua - ядро SIP user agent: транзакции, регистрации и вызовы.
//
// Все события (ответы и запросы из сети, таймеры, команды приложения)
// превращаются в задачи одной последовательной очереди. Состояние регистраций
// и вызовов меняется только внутри этих задач, обработчики приложения
// вызываются из того же рабочего потока.
package ua

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipua/pkg/media"
	"github.com/arzzra/sipua/pkg/metrics"
	"github.com/arzzra/sipua/pkg/scheduler"
	"github.com/arzzra/sipua/pkg/taskqueue"
)

// Option настраивает UserAgent
type Option func(*UserAgent) error

// WithMetrics подключает сборщик метрик
func WithMetrics(c *metrics.Collector) Option {
	return func(u *UserAgent) error {
		u.metrics = c
		return nil
	}
}

// WithStore задает внешнее хранилище регистраций и вызовов
func WithStore(s *Store) Option {
	return func(u *UserAgent) error {
		if s == nil {
			return fmt.Errorf("store не может быть nil")
		}
		u.store = s
		return nil
	}
}

// WithLogger переопределяет Config.Logger
func WithLogger(l *slog.Logger) Option {
	return func(u *UserAgent) error {
		if l == nil {
			return fmt.Errorf("logger не может быть nil")
		}
		u.cfg.Logger = l
		return nil
	}
}

// UserAgent - корневой объект: владеет очередью задач, таблицами
// транзакций, регистрациями и вызовами.
type UserAgent struct {
	cfg     Config
	tr      Transport
	engine  media.Engine
	sched   Scheduler
	metrics *metrics.Collector
	logger  *slog.Logger
	store   *Store
	queue   *taskqueue.Queue

	ctx    context.Context
	cancel context.CancelFunc

	handlersMu         sync.RWMutex
	registerHandler    RegisterHandler
	dialingHandler     CallDialingHandler
	ringingHandler     CallRingingHandler
	establishedHandler CallEstablishedHandler
	terminatedHandler  CallTerminatedHandler
	errorHandler       ErrorHandler
	uaHandler          UAHandler

	// Поля ниже меняются только задачами очереди
	clientTxs map[TxHandle]*clientTransaction
	serverTxs map[TxHandle]*serverTransaction

	// публичный адрес, полученный из received/rport
	publicAddr string
	publicPort int

	keepAliveTimer scheduler.Handle
	probeTimer     scheduler.Handle
	connAddr       string
	networkUp      bool

	terminated atomic.Bool
}

// New создает UserAgent. Ошибки конфигурации возвращаются сразу.
func New(cfg Config, tr Transport, engine media.Engine, sched Scheduler, opts ...Option) (*UserAgent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, errConfig("Transport", nil, "транспорт обязателен")
	}
	if engine == nil {
		return nil, errConfig("Engine", nil, "медиа-движок обязателен")
	}
	if sched == nil {
		return nil, errConfig("Scheduler", nil, "планировщик обязателен")
	}

	ctx, cancel := context.WithCancel(context.Background())
	u := &UserAgent{
		cfg:       cfg,
		tr:        tr,
		engine:    engine,
		sched:     sched,
		store:     NewStore(),
		ctx:       ctx,
		cancel:    cancel,
		clientTxs: make(map[TxHandle]*clientTransaction),
		serverTxs: make(map[TxHandle]*serverTransaction),
		networkUp: true,
	}
	for _, opt := range opts {
		if err := opt(u); err != nil {
			cancel()
			return nil, fmt.Errorf("ошибка применения опции: %w", err)
		}
	}
	u.cfg.normalize()
	u.logger = u.cfg.Logger.With(slog.String("component", "ua"))

	def := defaultHandler{logger: u.logger}
	u.registerHandler = def
	u.dialingHandler = def
	u.ringingHandler = def
	u.establishedHandler = def
	u.terminatedHandler = def
	u.errorHandler = def
	u.uaHandler = defaultUAHandler{logger: u.logger}

	u.queue = taskqueue.New("ua", u.logger)
	tr.SetListener(transportListener{u: u})
	u.post(u.startTimers)

	u.logger.Info("UA создан",
		slog.String("proxy", u.cfg.proxyHostPort()),
		slog.String("transport", string(u.cfg.Transport)))
	return u, nil
}

// post ставит задачу в очередь UA
func (u *UserAgent) post(task func()) bool {
	if !u.queue.Post(task) {
		u.logger.Debug("очередь остановлена, задача отброшена")
		return false
	}
	return true
}

// await продолжает работу в очереди UA после разрешения Future.
func await[T any](u *UserAgent, f *media.Future[T], fn func(T, error)) {
	f.Then(func(v T, err error) {
		u.post(func() { fn(v, err) })
	})
}

// Sync ждет, пока очередь не опустеет: последняя выполненная задача
// не оставила после себя новых. Нужен тестам и при остановке.
func (u *UserAgent) Sync(ctx context.Context) error {
	for {
		idle := make(chan bool, 1)
		if !u.queue.Post(func() { idle <- u.queue.Len() == 0 }) {
			select {
			case <-u.queue.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case empty := <-idle:
			if empty {
				return nil
			}
		case <-u.queue.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done закрывается, когда UA полностью остановлен
func (u *UserAgent) Done() <-chan struct{} {
	return u.queue.Done()
}

// Store возвращает хранилище регистраций и вызовов
func (u *UserAgent) Store() *Store {
	return u.store
}

// SetRegisterHandler задает обработчик исходов регистрации
func (u *UserAgent) SetRegisterHandler(h RegisterHandler) {
	u.handlersMu.Lock()
	defer u.handlersMu.Unlock()
	if h == nil {
		h = defaultHandler{logger: u.logger}
	}
	u.registerHandler = h
}

// SetCallDialingHandler задает обработчик прогресса исходящего вызова
func (u *UserAgent) SetCallDialingHandler(h CallDialingHandler) {
	u.handlersMu.Lock()
	defer u.handlersMu.Unlock()
	if h == nil {
		h = defaultHandler{logger: u.logger}
	}
	u.dialingHandler = h
}

// SetCallRingingHandler задает обработчик входящих вызовов
func (u *UserAgent) SetCallRingingHandler(h CallRingingHandler) {
	u.handlersMu.Lock()
	defer u.handlersMu.Unlock()
	if h == nil {
		h = defaultHandler{logger: u.logger}
	}
	u.ringingHandler = h
}

// SetCallEstablishedHandler задает обработчик установления вызова
func (u *UserAgent) SetCallEstablishedHandler(h CallEstablishedHandler) {
	u.handlersMu.Lock()
	defer u.handlersMu.Unlock()
	if h == nil {
		h = defaultHandler{logger: u.logger}
	}
	u.establishedHandler = h
}

// SetCallTerminatedHandler задает обработчик завершения вызова
func (u *UserAgent) SetCallTerminatedHandler(h CallTerminatedHandler) {
	u.handlersMu.Lock()
	defer u.handlersMu.Unlock()
	if h == nil {
		h = defaultHandler{logger: u.logger}
	}
	u.terminatedHandler = h
}

// SetErrorHandler задает обработчик ошибок
func (u *UserAgent) SetErrorHandler(h ErrorHandler) {
	u.handlersMu.Lock()
	defer u.handlersMu.Unlock()
	if h == nil {
		h = defaultHandler{logger: u.logger}
	}
	u.errorHandler = h
}

// SetUAHandler задает обработчик жизненного цикла UA
func (u *UserAgent) SetUAHandler(h UAHandler) {
	u.handlersMu.Lock()
	defer u.handlersMu.Unlock()
	if h == nil {
		h = defaultUAHandler{logger: u.logger}
	}
	u.uaHandler = h
}

func (u *UserAgent) handlers() (RegisterHandler, ErrorHandler) {
	u.handlersMu.RLock()
	defer u.handlersMu.RUnlock()
	return u.registerHandler, u.errorHandler
}

func (u *UserAgent) callHandlers() (CallDialingHandler, CallRingingHandler, CallEstablishedHandler, CallTerminatedHandler) {
	u.handlersMu.RLock()
	defer u.handlersMu.RUnlock()
	return u.dialingHandler, u.ringingHandler, u.establishedHandler, u.terminatedHandler
}

// contactURI - адрес, по которому UA доступен для пользователя user.
// После обнаружения NAT используется публичный адрес.
func (u *UserAgent) contactURI(user string) sip.Uri {
	host, port := u.cfg.LocalAddress, u.cfg.LocalPort
	if u.publicAddr != "" {
		host, port = u.publicAddr, u.publicPort
	}
	c := sip.Uri{Scheme: "sip", User: user, Host: host, Port: port}
	if u.cfg.Transport != TransportUDP {
		c.UriParams = sip.NewParams().Add("transport", u.cfg.Transport.Network())
	}
	return c
}

// sendRequest создает клиентскую транзакцию и отдает запрос транспорту
func (u *UserAgent) sendRequest(req *sip.Request) (*clientTransaction, error) {
	tx, err := newClientTransaction(u, req)
	if err != nil {
		return nil, err
	}
	h, err := u.tr.SendRequest(u.ctx, req)
	if err != nil {
		return nil, errTransport("send "+string(req.Method), err)
	}
	tx.handle = h
	u.clientTxs[h] = tx
	u.metrics.Transaction(string(req.Method))
	u.logger.Debug("запрос отправлен", slog.Any("tx", tx))
	return tx, nil
}

// transportListener переводит события транспорта в задачи очереди
type transportListener struct {
	u *UserAgent
}

func (l transportListener) OnRequest(h TxHandle, req *sip.Request) {
	l.u.post(func() { l.u.handleRequest(h, req) })
}

func (l transportListener) OnResponse(h TxHandle, res *sip.Response) {
	l.u.post(func() { l.u.handleResponse(h, res) })
}

func (l transportListener) OnTimeout(h TxHandle) {
	l.u.post(func() { l.u.handleTimeout(h) })
}

func (l transportListener) OnTransactionTerminated(h TxHandle) {
	l.u.post(func() { l.u.handleTransactionTerminated(h) })
}

// handleResponse находит клиентскую транзакцию по handle.
// Ответ без транзакции - повторная передача, он отбрасывается.
func (u *UserAgent) handleResponse(h TxHandle, res *sip.Response) {
	tx, ok := u.clientTxs[h]
	if !ok {
		u.logger.Debug("ответ без транзакции отброшен",
			slog.String("handle", string(h)),
			slog.Int("status", res.StatusCode))
		return
	}
	if err := tx.processResponse(u.ctx, res); err != nil {
		u.logger.Warn("ошибка обработки ответа", slog.Any("tx", tx), slog.Any("error", err))
	}
}

// handleTimeout вызывает обработчик таймаута транзакции и закрывает ее
func (u *UserAgent) handleTimeout(h TxHandle) {
	if tx, ok := u.clientTxs[h]; ok {
		u.logger.Warn("таймаут транзакции", slog.Any("tx", tx))
		if err := tx.processTimeout(u.ctx); err != nil {
			u.logger.Warn("ошибка обработки таймаута", slog.Any("tx", tx), slog.Any("error", err))
		}
		tx.terminate(u.ctx)
		delete(u.clientTxs, h)
		return
	}
	if stx, ok := u.serverTxs[h]; ok {
		u.logger.Warn("таймаут серверной транзакции", slog.Any("tx", stx))
		if stx.timeout(u.ctx) {
			u.metrics.TransactionTimeout(string(stx.method))
			u.serverTimeout(stx)
		}
		stx.terminate(u.ctx)
		delete(u.serverTxs, h)
		return
	}
	u.logger.Debug("таймаут неизвестной транзакции", slog.String("handle", string(h)))
}

// handleTransactionTerminated освобождает учет транзакции. Клиентская
// транзакция без финального ответа сообщается владельцу как ошибка транспорта.
func (u *UserAgent) handleTransactionTerminated(h TxHandle) {
	if tx, ok := u.clientTxs[h]; ok {
		delete(u.clientTxs, h)
		if !tx.completed() {
			u.logger.Warn("транзакция закрыта без финального ответа", slog.Any("tx", tx))
			if err := tx.processAbort(u.ctx); err != nil {
				u.logger.Warn("ошибка обработки закрытия", slog.Any("tx", tx), slog.Any("error", err))
			}
		}
		tx.terminate(u.ctx)
		if tx.reg != nil && tx.reg.pending == tx {
			tx.reg.pending = nil
		}
		return
	}
	if stx, ok := u.serverTxs[h]; ok {
		stx.terminate(u.ctx)
		delete(u.serverTxs, h)
	}
}

// logTimeout - таймаут BYE/CANCEL только журналируется
func (u *UserAgent) logTimeout(tx *clientTransaction) {
	attrs := []any{slog.Any("tx", tx)}
	if tx.call != nil {
		attrs = append(attrs, slog.String("call_id", tx.call.id))
	}
	u.logger.Warn("нет ответа на запрос", attrs...)
}

// Terminate завершает все вызовы, снимает регистрации, останавливает таймеры
// и очередь. Повторные вызовы игнорируются.
func (u *UserAgent) Terminate() {
	if !u.terminated.CompareAndSwap(false, true) {
		return
	}
	u.post(func() {
		u.logger.Info("остановка UA")
		for _, call := range u.store.Calls() {
			call.terminate()
		}
		for _, rs := range u.store.registrations() {
			u.unregisterSession(rs)
		}
		u.stopTimers()

		u.handlersMu.RLock()
		h := u.uaHandler
		u.handlersMu.RUnlock()
		h.OnTerminated()

		u.cancel()
		u.queue.Stop()
	})
}

// Terminated сообщает, был ли вызван Terminate
func (u *UserAgent) Terminated() bool {
	return u.terminated.Load()
}
