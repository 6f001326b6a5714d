package ua

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo/sip"
	"github.com/qmuntal/stateless"
)

// TransactionState - состояние транзакции ядра
type TransactionState string

const (
	TxCalling    TransactionState = "Calling"
	TxProceeding TransactionState = "Proceeding"
	TxCompleted  TransactionState = "Completed"
	TxConfirmed  TransactionState = "Confirmed"
	TxTimedOut   TransactionState = "TimedOut"
	TxTerminated TransactionState = "Terminated"
)

const (
	txEvtRecv1xx   = "recv_1xx"
	txEvtRecvFinal = "recv_final"
	txEvtSend1xx   = "send_1xx"
	txEvtSendFinal = "send_final"
	txEvtRecvAck   = "recv_ack"
	txEvtTimeout   = "timeout"
	txEvtTranspErr = "transp_err"
	txEvtTerminate = "terminate"
)

// clientHooks - поведение клиентской транзакции для конкретного метода.
type clientHooks struct {
	onResponse func(u *UserAgent, tx *clientTransaction, res *sip.Response)
	onTimeout  func(u *UserAgent, tx *clientTransaction)
	// транзакция закрыта транспортом до финального ответа
	onAbort func(u *UserAgent, tx *clientTransaction)
}

// hooksFor возвращает обработчики клиентской транзакции для метода
func hooksFor(method sip.RequestMethod) (clientHooks, bool) {
	switch method {
	case sip.INVITE:
		return clientHooks{
			onResponse: (*UserAgent).inviteResponse,
			onTimeout:  (*UserAgent).inviteTimeout,
			onAbort:    (*UserAgent).inviteAborted,
		}, true
	case sip.REGISTER:
		return clientHooks{
			onResponse: (*UserAgent).registerResponse,
			onTimeout:  (*UserAgent).registerTimeout,
			onAbort:    (*UserAgent).registerAborted,
		}, true
	case sip.BYE:
		return clientHooks{onResponse: (*UserAgent).byeResponse, onTimeout: (*UserAgent).logTimeout, onAbort: (*UserAgent).logTimeout}, true
	case sip.CANCEL:
		return clientHooks{onResponse: (*UserAgent).cancelResponse, onTimeout: (*UserAgent).logTimeout, onAbort: (*UserAgent).logTimeout}, true
	}
	return clientHooks{}, false
}

// clientTransaction - одна исходящая пара запрос/ответ.
// Финальный ответ и таймаут доставляются владельцу ровно один раз.
type clientTransaction struct {
	method sip.RequestMethod
	seq    uint32
	req    *sip.Request
	handle TxHandle

	// владелец: вызов или регистрация
	call *CallSession
	reg  *registrationSession

	// последний финальный ответ
	final *sip.Response

	hooks clientHooks
	fsm   *stateless.StateMachine
}

func newClientTransaction(u *UserAgent, req *sip.Request) (*clientTransaction, error) {
	hooks, ok := hooksFor(req.Method)
	if !ok {
		return nil, newError(KindProtocol, "client transaction",
			fmt.Sprintf("метод %s не поддерживается", req.Method))
	}
	tx := &clientTransaction{
		method: req.Method,
		req:    req,
		hooks:  hooks,
	}
	if cseq := req.CSeq(); cseq != nil {
		tx.seq = cseq.SeqNo
	}
	tx.initFSM(u)
	return tx, nil
}

func (tx *clientTransaction) initFSM(u *UserAgent) {
	tx.fsm = stateless.NewStateMachine(TxCalling)

	tx.fsm.Configure(TxCalling).
		Permit(txEvtRecv1xx, TxProceeding).
		Permit(txEvtRecvFinal, TxCompleted).
		Permit(txEvtTimeout, TxTimedOut).
		Permit(txEvtTranspErr, TxTerminated).
		Permit(txEvtTerminate, TxTerminated)

	tx.fsm.Configure(TxProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actResponse(u)).
		InternalTransition(txEvtRecv1xx, tx.actResponse(u)).
		Permit(txEvtRecvFinal, TxCompleted).
		Permit(txEvtTimeout, TxTimedOut).
		Permit(txEvtTranspErr, TxTerminated).
		Permit(txEvtTerminate, TxTerminated)

	tx.fsm.Configure(TxCompleted).
		OnEntryFrom(txEvtRecvFinal, tx.actFinal(u)).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecvFinal).
		Ignore(txEvtTimeout).
		Ignore(txEvtTranspErr).
		Permit(txEvtTerminate, TxTerminated)

	tx.fsm.Configure(TxTimedOut).
		OnEntry(tx.actTimeout(u)).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecvFinal).
		Ignore(txEvtTimeout).
		Ignore(txEvtTranspErr).
		Permit(txEvtTerminate, TxTerminated)

	tx.fsm.Configure(TxTerminated).
		OnEntryFrom(txEvtTranspErr, tx.actAbort(u)).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecvFinal).
		Ignore(txEvtTimeout).
		Ignore(txEvtTranspErr).
		Ignore(txEvtTerminate)
}

func (tx *clientTransaction) actResponse(u *UserAgent) stateless.ActionFunc {
	return func(_ context.Context, args ...any) error {
		tx.hooks.onResponse(u, tx, args[0].(*sip.Response))
		return nil
	}
}

func (tx *clientTransaction) actFinal(u *UserAgent) stateless.ActionFunc {
	return func(_ context.Context, args ...any) error {
		res := args[0].(*sip.Response)
		tx.final = res
		tx.hooks.onResponse(u, tx, res)
		return nil
	}
}

func (tx *clientTransaction) actTimeout(u *UserAgent) stateless.ActionFunc {
	return func(context.Context, ...any) error {
		u.metrics.TransactionTimeout(string(tx.method))
		tx.hooks.onTimeout(u, tx)
		return nil
	}
}

func (tx *clientTransaction) actAbort(u *UserAgent) stateless.ActionFunc {
	return func(context.Context, ...any) error {
		tx.hooks.onAbort(u, tx)
		return nil
	}
}

// processResponse передает ответ обработчику метода
func (tx *clientTransaction) processResponse(ctx context.Context, res *sip.Response) error {
	evt := txEvtRecvFinal
	if res.IsProvisional() {
		evt = txEvtRecv1xx
	}
	return tx.fsm.FireCtx(ctx, evt, res)
}

// processTimeout сообщает владельцу, что финального ответа не будет
func (tx *clientTransaction) processTimeout(ctx context.Context) error {
	return tx.fsm.FireCtx(ctx, txEvtTimeout)
}

// processAbort - транспорт закрыл транзакцию, не дождавшись финального ответа
func (tx *clientTransaction) processAbort(ctx context.Context) error {
	return tx.fsm.FireCtx(ctx, txEvtTranspErr)
}

func (tx *clientTransaction) terminate(ctx context.Context) {
	_ = tx.fsm.FireCtx(ctx, txEvtTerminate)
}

func (tx *clientTransaction) state() TransactionState {
	return tx.fsm.MustState().(TransactionState)
}

// completed - финальный ответ уже получен (или транзакция закрыта)
func (tx *clientTransaction) completed() bool {
	switch tx.state() {
	case TxCalling, TxProceeding:
		return false
	}
	return true
}

func (tx *clientTransaction) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("method", string(tx.method)),
		slog.Uint64("cseq", uint64(tx.seq)),
		slog.String("handle", string(tx.handle)),
		slog.String("state", string(tx.state())),
	)
}

// serverTransaction - входящий запрос, на который нужно ответить.
// Допускается ровно один финальный ответ.
type serverTransaction struct {
	method sip.RequestMethod
	req    *sip.Request
	handle TxHandle
	call   *CallSession

	// To-tag, которым отвечаем (для запросов, создающих диалог)
	toTag string

	fsm *stateless.StateMachine
}

func newServerTransaction(h TxHandle, req *sip.Request) *serverTransaction {
	tx := &serverTransaction{
		method: req.Method,
		req:    req,
		handle: h,
	}

	tx.fsm = stateless.NewStateMachine(TxProceeding)

	tx.fsm.Configure(TxProceeding).
		InternalTransition(txEvtSend1xx, actNoop).
		Permit(txEvtSendFinal, TxCompleted).
		Permit(txEvtTimeout, TxTimedOut).
		Permit(txEvtTranspErr, TxTerminated).
		Permit(txEvtTerminate, TxTerminated)

	tx.fsm.Configure(TxCompleted).
		Permit(txEvtRecvAck, TxConfirmed).
		Permit(txEvtTimeout, TxTimedOut).
		Permit(txEvtTerminate, TxTerminated)

	tx.fsm.Configure(TxConfirmed).
		Ignore(txEvtRecvAck).
		Ignore(txEvtTimeout).
		Permit(txEvtTerminate, TxTerminated)

	tx.fsm.Configure(TxTimedOut).
		Ignore(txEvtTimeout).
		Permit(txEvtTerminate, TxTerminated)

	tx.fsm.Configure(TxTerminated).
		Ignore(txEvtTimeout).
		Ignore(txEvtRecvAck).
		Ignore(txEvtTerminate)

	return tx
}

func actNoop(context.Context, ...any) error { return nil }

// sendResponse отправляет ответ. Повторный финальный ответ - ErrProtocol.
func (tx *serverTransaction) sendResponse(ctx context.Context, tr Transport, res *sip.Response) error {
	evt := txEvtSendFinal
	if res.IsProvisional() {
		evt = txEvtSend1xx
	}
	if ok, _ := tx.fsm.CanFire(evt); !ok {
		return newError(KindProtocol, "send response",
			fmt.Sprintf("нельзя отправить %d в состоянии %s", res.StatusCode, tx.state()))
	}
	if err := tr.SendResponse(ctx, tx.handle, res); err != nil {
		_ = tx.fsm.FireCtx(ctx, txEvtTranspErr)
		return errTransport("send response", err)
	}
	return tx.fsm.FireCtx(ctx, evt)
}

// respond строит ответ на запрос транзакции и отправляет его
func (tx *serverTransaction) respond(ctx context.Context, tr Transport, code int, reason string, body []byte, hdrs ...sip.Header) error {
	res := newResponse(tx.req, code, reason, body, tx.toTag)
	for _, h := range hdrs {
		res.AppendHeader(h)
	}
	return tx.sendResponse(ctx, tr, res)
}

func (tx *serverTransaction) confirm(ctx context.Context) {
	_ = tx.fsm.FireCtx(ctx, txEvtRecvAck)
}

func (tx *serverTransaction) timeout(ctx context.Context) bool {
	prev := tx.state()
	_ = tx.fsm.FireCtx(ctx, txEvtTimeout)
	return prev != TxTimedOut && tx.state() == TxTimedOut
}

func (tx *serverTransaction) terminate(ctx context.Context) {
	_ = tx.fsm.FireCtx(ctx, txEvtTerminate)
}

func (tx *serverTransaction) state() TransactionState {
	return tx.fsm.MustState().(TransactionState)
}

// answered - финальный ответ уже отправлен
func (tx *serverTransaction) answered() bool {
	return tx.state() != TxProceeding
}

func (tx *serverTransaction) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("method", string(tx.method)),
		slog.String("handle", string(tx.handle)),
		slog.String("state", string(tx.state())),
	)
}
