// Package transport реализует транспортный коллаборатор UserAgent поверх
// github.com/emiago/sipgo. Транзакции, ретрансмиссии и ветки Via ведет
// sipgo; здесь они сопоставляются непрозрачным ua.TxHandle, а события
// транзакций передаются в ua.TransportListener.
package transport

//go:generate errtrace -w .

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/sipua/pkg/ua"
)

var (
	// ErrUnknownTransaction - обращение к транзакции, которой нет в таблице
	ErrUnknownTransaction = errors.New("unknown transaction")
	// ErrNoConnection - соединение с прокси еще не установлено
	ErrNoConnection = errors.New("no connection to proxy")
)

var (
	_ ua.Transport        = (*Transport)(nil)
	_ ua.ConnectionProber = (*Transport)(nil)
)

// clientTx - используемая часть sip.ClientTransaction
type clientTx interface {
	Responses() <-chan *sip.Response
	Done() <-chan struct{}
	Err() error
	Terminate()
}

// serverTx - используемая часть sip.ServerTransaction
type serverTx interface {
	Respond(res *sip.Response) error
	Done() <-chan struct{}
	Err() error
}

// requester отправляет запросы
type requester interface {
	TransactionRequest(ctx context.Context, req *sip.Request, options ...sipgo.ClientRequestOption) (clientTx, error)
	WriteRequest(req *sip.Request, options ...sipgo.ClientRequestOption) error
}

// clientRequester - requester на *sipgo.Client
type clientRequester struct {
	client *sipgo.Client
}

func (r clientRequester) TransactionRequest(ctx context.Context, req *sip.Request, options ...sipgo.ClientRequestOption) (clientTx, error) {
	tx, err := r.client.TransactionRequest(ctx, req, options...)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (r clientRequester) WriteRequest(req *sip.Request, options ...sipgo.ClientRequestOption) error {
	return r.client.WriteRequest(req, options...)
}

// Transport - адаптер sipgo для ua.UserAgent.
type Transport struct {
	cfg      Config
	logger   *slog.Logger
	resolver *Resolver

	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server
	send   requester

	listenerMu sync.RWMutex
	listener   ua.TransportListener

	mu        sync.Mutex
	clientTxs map[ua.TxHandle]clientTx
	serverTxs map[ua.TxHandle]serverTx
	dest      string
}

// New создает sipgo UserAgent, клиент и сервер и регистрирует обработчики
// входящих запросов. Слушать сеть начинает Listen.
func New(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("конфигурация транспорта: %w", err))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With(slog.String("component", "transport"))

	opts := []sipgo.UserAgentOption{
		sipgo.WithUserAgent(cfg.UserAgent),
		sipgo.WithUserAgentHostname(cfg.BindHost),
	}
	if tlsConf := cfg.tlsConfig(); tlsConf != nil {
		opts = append(opts, sipgo.WithUserAgenTLSConfig(tlsConf))
	}
	sua, err := sipgo.NewUA(opts...)
	if err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("создание sipgo UA: %w", err))
	}

	client, err := sipgo.NewClient(sua,
		sipgo.WithClientAddr(net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.BindPort))))
	if err != nil {
		_ = sua.Close()
		return nil, errtrace.Wrap(fmt.Errorf("создание sipgo клиента: %w", err))
	}

	server, err := sipgo.NewServer(sua)
	if err != nil {
		_ = sua.Close()
		return nil, errtrace.Wrap(fmt.Errorf("создание sipgo сервера: %w", err))
	}

	t := newTransport(cfg, logger, clientRequester{client: client})
	t.ua = sua
	t.client = client
	t.server = server
	t.registerHandlers()
	return t, nil
}

func newTransport(cfg Config, logger *slog.Logger, send requester) *Transport {
	return &Transport{
		cfg:    cfg,
		logger: logger,
		resolver: &Resolver{
			NameServer: cfg.NameServer,
			Timeout:    cfg.DNSTimeout,
			Logger:     logger,
		},
		send:      send,
		clientTxs: make(map[ua.TxHandle]clientTx),
		serverTxs: make(map[ua.TxHandle]serverTx),
	}
}

func (t *Transport) registerHandlers() {
	t.server.OnInvite(t.onRequest)
	t.server.OnAck(t.onRequest)
	t.server.OnBye(t.onRequest)
	t.server.OnCancel(t.onRequest)
	t.server.OnOptions(t.onRequest)
	t.server.OnNoRoute(t.onRequest)
}

// SetListener задает получателя событий транспорта
func (t *Transport) SetListener(l ua.TransportListener) {
	t.listenerMu.Lock()
	t.listener = l
	t.listenerMu.Unlock()
}

func (t *Transport) getListener() ua.TransportListener {
	t.listenerMu.RLock()
	defer t.listenerMu.RUnlock()
	return t.listener
}

// Listen слушает входящие запросы до отмены ctx. Для TLS без сертификата
// входящие запросы принимаются только по исходящему соединению с прокси.
func (t *Transport) Listen(ctx context.Context) error {
	addr := net.JoinHostPort(t.cfg.BindHost, strconv.Itoa(t.cfg.BindPort))
	network := t.cfg.network()

	g, ctx := errgroup.WithContext(ctx)
	switch {
	case network != "tls":
		g.Go(func() error {
			t.logger.Info("Транспорт слушает",
				slog.String("network", network),
				slog.String("addr", addr))
			return errtrace.Wrap(t.server.ListenAndServe(ctx, network, addr))
		})
	case t.cfg.TLSConfig != nil && len(t.cfg.TLSConfig.Certificates) > 0:
		g.Go(func() error {
			t.logger.Info("Транспорт слушает",
				slog.String("network", network),
				slog.String("addr", addr))
			return errtrace.Wrap(t.server.ListenAndServeTLS(ctx, "tcp", addr, t.cfg.tlsConfig()))
		})
	default:
		t.logger.Info("TLS сертификат не задан, входящие запросы только по соединению с прокси")
		g.Go(func() error {
			<-ctx.Done()
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return errtrace.Wrap(err)
	}
	return nil
}

// Close завершает транзакции и закрывает sipgo UA
func (t *Transport) Close() error {
	t.mu.Lock()
	txs := make([]clientTx, 0, len(t.clientTxs))
	for _, tx := range t.clientTxs {
		txs = append(txs, tx)
	}
	t.mu.Unlock()

	for _, tx := range txs {
		tx.Terminate()
	}
	if t.ua == nil {
		return nil
	}
	return errtrace.Wrap(t.ua.Close())
}

// destination возвращает адрес прокси, разрешая его при первом обращении
func (t *Transport) destination(ctx context.Context) (string, error) {
	t.mu.Lock()
	dest := t.dest
	t.mu.Unlock()
	if dest != "" {
		return dest, nil
	}

	dest, err := t.resolver.Resolve(ctx, t.cfg.network(), t.cfg.ProxyHost, t.cfg.ProxyPort)
	if err != nil {
		return "", errtrace.Wrap(err)
	}

	t.mu.Lock()
	t.dest = dest
	t.mu.Unlock()
	t.logger.Debug("Адрес прокси разрешен",
		slog.String("proxy", t.cfg.ProxyHost),
		slog.String("dest", dest))
	return dest, nil
}

// resetDestination сбрасывает кешированный адрес прокси после ошибки отправки
func (t *Transport) resetDestination() {
	t.mu.Lock()
	t.dest = ""
	t.mu.Unlock()
}

// SendRequest создает клиентскую транзакцию. Все запросы уходят на прокси.
func (t *Transport) SendRequest(ctx context.Context, req *sip.Request) (ua.TxHandle, error) {
	dest, err := t.destination(ctx)
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	req.SetDestination(dest)

	var opts []sipgo.ClientRequestOption
	if req.Via() == nil {
		opts = append(opts, sipgo.ClientRequestAddVia)
	}
	// транзакция переживает задачу, которая ее создала
	tx, err := t.send.TransactionRequest(context.WithoutCancel(ctx), req, opts...)
	if err != nil {
		t.resetDestination()
		return "", errtrace.Wrap(fmt.Errorf("%s на %s: %w", req.Method, dest, err))
	}

	h := ua.TxHandle("c-" + uuid.NewString())
	t.mu.Lock()
	t.clientTxs[h] = tx
	t.mu.Unlock()

	go t.pumpClient(h, req.Method, tx)
	return h, nil
}

// pumpClient передает ответы транзакции слушателю до ее завершения
func (t *Transport) pumpClient(h ua.TxHandle, method sip.RequestMethod, tx clientTx) {
	responses := tx.Responses()
	for {
		select {
		case res, ok := <-responses:
			if !ok {
				responses = nil
				continue
			}
			t.deliverResponse(h, res)
		case <-tx.Done():
			t.drainResponses(h, responses)
			t.clientTerminated(h, method, tx.Err())
			return
		}
	}
}

// drainResponses доставляет ответы, пришедшие вместе с завершением
func (t *Transport) drainResponses(h ua.TxHandle, responses <-chan *sip.Response) {
	if responses == nil {
		return
	}
	for {
		select {
		case res, ok := <-responses:
			if !ok {
				return
			}
			t.deliverResponse(h, res)
		default:
			return
		}
	}
}

func (t *Transport) clientTerminated(h ua.TxHandle, method sip.RequestMethod, err error) {
	t.mu.Lock()
	delete(t.clientTxs, h)
	t.mu.Unlock()

	l := t.getListener()
	if err != nil {
		log := t.logger.With(
			slog.String("method", method.String()),
			slog.String("handle", string(h)),
			slog.Any("error", err))
		if errors.Is(err, sip.ErrTransactionTimeout) {
			log.Debug("Таймаут клиентской транзакции")
			if l != nil {
				l.OnTimeout(h)
			}
		} else {
			// ядро сообщит владельцу об ошибке по OnTransactionTerminated
			log.Warn("Клиентская транзакция прервана")
		}
	}
	if l != nil {
		l.OnTransactionTerminated(h)
	}
}

func (t *Transport) deliverResponse(h ua.TxHandle, res *sip.Response) {
	if res == nil {
		return
	}
	if l := t.getListener(); l != nil {
		l.OnResponse(h, res)
	}
}

// SendResponse отвечает в серверную транзакцию
func (t *Transport) SendResponse(_ context.Context, h ua.TxHandle, res *sip.Response) error {
	t.mu.Lock()
	tx, ok := t.serverTxs[h]
	t.mu.Unlock()
	if !ok {
		return errtrace.Wrap(fmt.Errorf("%w: %s", ErrUnknownTransaction, h))
	}
	return errtrace.Wrap(tx.Respond(res))
}

// WriteRequest отправляет запрос вне транзакции (ACK на 2xx)
func (t *Transport) WriteRequest(ctx context.Context, req *sip.Request) error {
	dest, err := t.destination(ctx)
	if err != nil {
		return errtrace.Wrap(err)
	}
	req.SetDestination(dest)

	var opts []sipgo.ClientRequestOption
	if req.Via() == nil {
		opts = append(opts, sipgo.ClientRequestAddVia)
	}
	return errtrace.Wrap(t.send.WriteRequest(req, opts...))
}

// SendKeepAlive отправляет OPTIONS на прокси вне диалога. Ответ не
// анализируется: важен только трафик по соединению.
func (t *Transport) SendKeepAlive(ctx context.Context) error {
	dest, err := t.destination(ctx)
	if err != nil {
		return errtrace.Wrap(err)
	}

	req := t.keepAliveRequest()
	req.SetDestination(dest)
	tx, err := t.send.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		t.resetDestination()
		return errtrace.Wrap(fmt.Errorf("keep-alive на %s: %w", dest, err))
	}

	go func() {
		defer tx.Terminate()
		select {
		case res := <-tx.Responses():
			if res != nil {
				t.logger.Debug("Ответ на keep-alive", slog.Int("status", res.StatusCode))
			}
		case <-tx.Done():
		}
	}()
	return nil
}

func (t *Transport) keepAliveRequest() *sip.Request {
	target := sip.Uri{Scheme: "sip", Host: t.cfg.ProxyHost, Port: t.cfg.ProxyPort}
	if network := t.cfg.network(); network != "udp" {
		target.UriParams = sip.NewParams().Add("transport", network)
	}

	req := sip.NewRequest(sip.OPTIONS, target)
	from := &sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "keepalive", Host: t.cfg.BindHost},
		Params:  sip.NewParams().Add("tag", uuid.NewString()[:8]),
	}
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})
	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	return req
}

// LocalConnectionAddr возвращает локальный адрес соединения с прокси
func (t *Transport) LocalConnectionAddr(ctx context.Context) (string, error) {
	if t.client == nil {
		return "", errtrace.Wrap(ErrNoConnection)
	}
	dest, err := t.destination(ctx)
	if err != nil {
		return "", errtrace.Wrap(err)
	}

	network := t.cfg.network()
	if network == "tls" {
		network = "tcp"
	}
	conn, err := t.client.TransportLayer().GetConnection(network, dest)
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if conn == nil {
		return "", errtrace.Wrap(ErrNoConnection)
	}
	return conn.LocalAddr().String(), nil
}

// onRequest обрабатывает входящий запрос sipgo. Обработчик держит
// транзакцию до ее завершения, после чего сообщает слушателю.
func (t *Transport) onRequest(req *sip.Request, tx sip.ServerTransaction) {
	t.dispatchRequest(req, tx)
}

func (t *Transport) dispatchRequest(req *sip.Request, tx serverTx) {
	l := t.getListener()
	if l == nil {
		t.logger.Warn("Запрос отброшен: слушатель не задан", slog.String("method", req.Method.String()))
		return
	}

	if tx == nil || req.IsAck() {
		l.OnRequest("", req)
		return
	}

	h := ua.TxHandle("s-" + uuid.NewString())
	t.mu.Lock()
	t.serverTxs[h] = tx
	t.mu.Unlock()

	l.OnRequest(h, req)

	<-tx.Done()
	t.mu.Lock()
	delete(t.serverTxs, h)
	t.mu.Unlock()

	if err := tx.Err(); err != nil {
		t.logger.Debug("Серверная транзакция завершена с ошибкой",
			slog.String("method", req.Method.String()),
			slog.String("handle", string(h)),
			slog.Any("error", err))
		if errors.Is(err, sip.ErrTransactionTimeout) {
			l.OnTimeout(h)
		}
	}
	l.OnTransactionTerminated(h)
}
