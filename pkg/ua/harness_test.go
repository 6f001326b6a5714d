package ua

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipua/pkg/media"
	"github.com/arzzra/sipua/pkg/scheduler"
)

const (
	testOffer  = "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\n"
	testAnswer = "v=0\r\no=- 2 2 IN IP4 10.0.0.2\r\ns=-\r\nc=IN IP4 10.0.0.2\r\nt=0 0\r\nm=audio 5000 RTP/AVP 0\r\n"
	aliceURI   = "sip:alice@example.com"
	bobURI     = "sip:bob@example.org"
)

// fakeTransport записывает исходящие сообщения и позволяет тесту
// доставлять ответы и запросы через listener.
type fakeTransport struct {
	mu        sync.Mutex
	listener  TransportListener
	nextID    int
	requests  []*sip.Request
	handles   map[*sip.Request]TxHandle
	written   []*sip.Request
	responses []sentResponse
	keepAlive int
	sendErr   error
	connAddr  string
}

type sentResponse struct {
	handle TxHandle
	res    *sip.Response
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handles: make(map[*sip.Request]TxHandle)}
}

func (f *fakeTransport) SetListener(l TransportListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
}

func (f *fakeTransport) SendRequest(_ context.Context, req *sip.Request) (TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	if req.Via() == nil {
		req.AppendHeader(&sip.ViaHeader{
			ProtocolName:    "SIP",
			ProtocolVersion: "2.0",
			Transport:       "UDP",
			Host:            "127.0.0.1",
			Port:            5060,
			Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
		})
	}
	f.nextID++
	h := TxHandle(fmt.Sprintf("client-%d", f.nextID))
	f.requests = append(f.requests, req)
	f.handles[req] = h
	return h, nil
}

func (f *fakeTransport) SendResponse(_ context.Context, h TxHandle, res *sip.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, sentResponse{handle: h, res: res})
	return nil
}

func (f *fakeTransport) WriteRequest(_ context.Context, req *sip.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, req)
	return nil
}

func (f *fakeTransport) SendKeepAlive(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepAlive++
	return nil
}

func (f *fakeTransport) sent() []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sip.Request(nil), f.requests...)
}

func (f *fakeTransport) sentMethods() []sip.RequestMethod {
	var out []sip.RequestMethod
	for _, r := range f.sent() {
		out = append(out, r.Method)
	}
	return out
}

func (f *fakeTransport) last(t *testing.T, method sip.RequestMethod) *sip.Request {
	t.Helper()
	reqs := f.sent()
	for i := len(reqs) - 1; i >= 0; i-- {
		if reqs[i].Method == method {
			return reqs[i]
		}
	}
	t.Fatalf("no %s request sent", method)
	return nil
}

func (f *fakeTransport) acks() []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sip.Request(nil), f.written...)
}

// finalResponses возвращает финальные ответы в серверную транзакцию h
func (f *fakeTransport) finalResponses(h TxHandle) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var codes []int
	for _, r := range f.responses {
		if r.handle == h && r.res.StatusCode >= 200 {
			codes = append(codes, r.res.StatusCode)
		}
	}
	return codes
}

func (f *fakeTransport) responsesTo(h TxHandle) []*sip.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*sip.Response
	for _, r := range f.responses {
		if r.handle == h {
			out = append(out, r.res)
		}
	}
	return out
}

// respond доставляет ответ на ранее отправленный запрос
func (f *fakeTransport) respond(req *sip.Request, code int, reason, body string, hdrs ...sip.Header) *sip.Response {
	var b []byte
	if body != "" {
		b = []byte(body)
	}
	res := sip.NewResponseFromRequest(req, code, reason, b)
	if to := res.To(); to != nil && code > 100 {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params.Add("tag", "remote-tag")
	}
	if body != "" {
		ct := sip.ContentTypeHeader(contentTypeSDP)
		res.AppendHeader(&ct)
	}
	for _, h := range hdrs {
		res.AppendHeader(h)
	}
	f.mu.Lock()
	h, l := f.handles[req], f.listener
	f.mu.Unlock()
	l.OnResponse(h, res)
	return res
}

func (f *fakeTransport) timeout(req *sip.Request) {
	f.mu.Lock()
	h, l := f.handles[req], f.listener
	f.mu.Unlock()
	l.OnTimeout(h)
}

// abort закрывает клиентскую транзакцию без ответа и таймаута, как при обрыве соединения
func (f *fakeTransport) abort(req *sip.Request) {
	f.mu.Lock()
	h, l := f.handles[req], f.listener
	f.mu.Unlock()
	l.OnTransactionTerminated(h)
}

// deliver передает входящий запрос и возвращает handle его транзакции
func (f *fakeTransport) deliver(req *sip.Request) TxHandle {
	f.mu.Lock()
	f.nextID++
	h := TxHandle(fmt.Sprintf("server-%d", f.nextID))
	l := f.listener
	f.mu.Unlock()
	l.OnRequest(h, req)
	return h
}

// proberTransport дополнительно сообщает локальный адрес соединения
type proberTransport struct {
	*fakeTransport
}

func (p proberTransport) LocalConnectionAddr(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connAddr, nil
}

// manualScheduler запускает задачи только по команде теста
type manualScheduler struct {
	mu     sync.Mutex
	next   scheduler.Handle
	tasks  map[scheduler.Handle]scheduledTask
	cancel []scheduler.Handle
}

type scheduledTask struct {
	task          func()
	delay, period time.Duration
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{tasks: make(map[scheduler.Handle]scheduledTask)}
}

func (s *manualScheduler) Schedule(task func(), delay, period time.Duration) scheduler.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.tasks[s.next] = scheduledTask{task: task, delay: delay, period: period}
	return s.next
}

func (s *manualScheduler) Cancel(h scheduler.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[h]; ok {
		delete(s.tasks, h)
		s.cancel = append(s.cancel, h)
	}
}

// find возвращает активную задачу с заданным периодом
func (s *manualScheduler) find(period time.Duration) (scheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.period == period {
			return t, true
		}
	}
	return scheduledTask{}, false
}

func (s *manualScheduler) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// fakeEngine выдает медиа-сессии, чьи Future разрешает тест
type fakeEngine struct {
	mu       sync.Mutex
	auto     bool
	sessions map[string]*fakeMedia
}

type fakeMedia struct {
	offer  *media.Future[string]
	answer *media.Future[string]
	remote *media.Future[struct{}]

	mu          sync.Mutex
	remoteOffer string
	closed      bool
}

func newFakeEngine(auto bool) *fakeEngine {
	return &fakeEngine{auto: auto, sessions: make(map[string]*fakeMedia)}
}

func (e *fakeEngine) NewSession(callID string) media.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := &fakeMedia{
		offer:  media.NewFuture[string](),
		answer: media.NewFuture[string](),
		remote: media.NewFuture[struct{}](),
	}
	if e.auto {
		m.offer.Resolve(testOffer)
		m.answer.Resolve(testAnswer)
		m.remote.Resolve(struct{}{})
	}
	e.sessions[callID] = m
	return m
}

func (e *fakeEngine) session(t *testing.T, callID string) *fakeMedia {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.sessions[callID]
	require.True(t, ok, "no media session for %s", callID)
	return m
}

func (m *fakeMedia) CreateOffer(context.Context) *media.Future[string] { return m.offer }

func (m *fakeMedia) CreateAnswer(_ context.Context, offer string) *media.Future[string] {
	m.mu.Lock()
	m.remoteOffer = offer
	m.mu.Unlock()
	return m.answer
}

func (m *fakeMedia) SetRemoteAnswer(context.Context, string) *media.Future[struct{}] {
	return m.remote
}

func (m *fakeMedia) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *fakeMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// recorder записывает все события обработчиков в порядке поступления
type recorder struct {
	mu     sync.Mutex
	events []string
	errs   []error
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) errList() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) OnUserOnline(reg Registration)            { r.add("online %s", reg.URI) }
func (r *recorder) OnUserOffline(reg Registration)           { r.add("offline %s", reg.URI) }
func (r *recorder) OnAuthenticationFailure(reg Registration) { r.add("auth_failure %s", reg.URI) }
func (r *recorder) OnRegisterError(reg Registration, err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.add("register_error %s", reg.URI)
}
func (r *recorder) OnRemoteRinging(*CallSession) { r.add("remote_ringing") }
func (r *recorder) OnRinging(*CallSession)       { r.add("ringing") }
func (r *recorder) OnEstablished(*CallSession)   { r.add("established") }
func (r *recorder) OnTerminated(_ *CallSession, reason TerminationReason) {
	r.add("terminated %s", reason)
}
func (r *recorder) OnUAError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.add("ua_error")
}
func (r *recorder) OnCallError(_ *CallSession, err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.add("call_error")
}

type uaRecorder struct {
	*recorder
}

func (r uaRecorder) OnTerminated() { r.add("ua_terminated") }

type testEnv struct {
	ua    *UserAgent
	tr    *fakeTransport
	eng   *fakeEngine
	sched *manualScheduler
	rec   *recorder
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ProxyAddress = "proxy.example.com"
	cfg.LocalAddress = "10.0.0.1"
	cfg.LocalPort = 5070
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func newTestEnv(t *testing.T, autoMedia bool, mutate ...func(*Config)) *testEnv {
	t.Helper()
	return newTestEnvWith(t, newFakeTransport(), autoMedia, mutate...)
}

func newTestEnvWith(t *testing.T, tr *fakeTransport, autoMedia bool, mutate ...func(*Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	env := &testEnv{
		tr:    tr,
		eng:   newFakeEngine(autoMedia),
		sched: newManualScheduler(),
		rec:   &recorder{},
	}
	var transport Transport = tr
	if tr.connAddr != "" {
		transport = proberTransport{tr}
	}
	u, err := New(cfg, transport, env.eng, env.sched)
	require.NoError(t, err)
	env.ua = u
	u.SetRegisterHandler(env.rec)
	u.SetCallDialingHandler(env.rec)
	u.SetCallRingingHandler(env.rec)
	u.SetCallEstablishedHandler(env.rec)
	u.SetCallTerminatedHandler(env.rec)
	u.SetErrorHandler(env.rec)
	u.SetUAHandler(uaRecorder{env.rec})

	t.Cleanup(func() {
		u.Terminate()
		select {
		case <-u.Done():
		case <-time.After(2 * time.Second):
			t.Error("user agent did not stop")
		}
	})
	env.sync(t)
	return env
}

func (e *testEnv) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.ua.Sync(ctx))
}

// registerOnline регистрирует URI и подтверждает регистрацию
func (e *testEnv) registerOnline(t *testing.T, uri string) {
	t.Helper()
	require.NoError(t, e.ua.Register(Registration{URI: uri, Password: "secret"}))
	e.sync(t)
	e.tr.respond(e.tr.last(t, sip.REGISTER), sip.StatusOK, "OK", "")
	e.sync(t)
}

// inviteRequest строит входящий INVITE от bob к uri
func inviteRequest(callID, uri, body string) *sip.Request {
	var to sip.Uri
	_ = sip.ParseUri(uri, &to)
	var from sip.Uri
	_ = sip.ParseUri(bobURI, &from)

	req := sip.NewRequest(sip.INVITE, to)
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "10.0.0.9",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	})
	req.AppendHeader(&sip.FromHeader{Address: from, Params: sip.NewParams().Add("tag", "bob-tag")})
	req.AppendHeader(&sip.ToHeader{Address: to, Params: sip.NewParams()})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "bob", Host: "10.0.0.9", Port: 5060}})
	if body != "" {
		setSDP(req, body)
	}
	return req
}

// inDialogRequest строит BYE/CANCEL/ACK к входящему вызову
func inDialogRequest(invite *sip.Request, method sip.RequestMethod) *sip.Request {
	req := sip.NewRequest(method, invite.Recipient)
	if via := invite.Via(); via != nil {
		req.AppendHeader(via.Clone())
	}
	req.AppendHeader(sip.HeaderClone(invite.From()))
	req.AppendHeader(sip.HeaderClone(invite.To()))
	req.AppendHeader(sip.HeaderClone(invite.CallID()))
	seq := invite.CSeq().SeqNo
	if method == sip.BYE {
		seq++
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	return req
}
