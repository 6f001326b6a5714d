package ua

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"

	"github.com/arzzra/sipua/pkg/media"
)

// CallSession - один вызов (диалог) UA.
//
// Публичные методы можно вызывать из любой горутины: они ставят задачу в
// очередь UA. Состояние меняется только задачами очереди.
type CallSession struct {
	ua        *UserAgent
	id        string
	direction Direction

	localURI  sip.Uri
	remoteURI sip.Uri

	fsm *fsm.FSM

	mu     sync.Mutex
	reason TerminationReason

	// terminateRequested - завершение запрошено, пока операция была в полете.
	// Проверяется при каждом возобновлении.
	terminateRequested bool
	latchReason        TerminationReason
	finished           bool
	established        bool

	localTag     string
	remoteTag    string
	remoteTarget sip.Uri
	routeSet     []sip.Uri
	localSeq     uint32

	media    media.Session
	localSDP string

	// исходящий INVITE и его транзакция
	invite          *sip.Request
	pendingOutgoing *clientTransaction
	cancelSent      bool

	// входящий INVITE, ожидающий финального ответа
	pendingIncoming *serverTransaction
	answerPending   bool
	// отвеченный 200 OK INVITE, ждущий ACK
	confirmTx *serverTransaction

	logger *slog.Logger
}

func newCallSession(u *UserAgent, id string, dir Direction, local, remote sip.Uri) *CallSession {
	c := &CallSession{
		ua:           u,
		id:           id,
		direction:    dir,
		localURI:     local,
		remoteURI:    remote,
		localTag:     newTag(),
		remoteTarget: remote,
		logger: u.logger.With(
			slog.String("call_id", id),
			slog.String("direction", string(dir))),
	}
	c.initFSM()
	return c
}

// formEventName формирует имя события перехода "SRC_to_DST"
func formEventName(src, dst CallState) string {
	builder := strings.Builder{}
	builder.WriteString(string(src))
	builder.WriteString("_to_")
	builder.WriteString(string(dst))
	return builder.String()
}

/*
initFSM описывает допустимые переходы вызова:

	IDLE -> OUTGOING_RINGING -> CONFIRMED -> TERMINATED
	IDLE -> INCOMING_RINGING -> CONFIRMED -> TERMINATED

Из любого состояния, кроме TERMINATED, можно перейти в TERMINATED.
Коллбеки только пишут в лог: события из коллбеков looplab/fsm не вызываются.
*/
func (c *CallSession) initFSM() {
	transitions := [][2]CallState{
		{StateIdle, StateOutgoingRinging},
		{StateIdle, StateIncomingRinging},
		{StateIdle, StateTerminated},
		{StateOutgoingRinging, StateConfirmed},
		{StateOutgoingRinging, StateTerminated},
		{StateIncomingRinging, StateConfirmed},
		{StateIncomingRinging, StateTerminated},
		{StateConfirmed, StateTerminated},
	}
	events := make(fsm.Events, 0, len(transitions))
	for _, t := range transitions {
		events = append(events, fsm.EventDesc{
			Name: formEventName(t[0], t[1]),
			Src:  []string{string(t[0])},
			Dst:  string(t[1]),
		})
	}
	c.fsm = fsm.NewFSM(string(StateIdle), events, fsm.Callbacks{
		"after_event": c.afterStateChange,
	})
}

func (c *CallSession) afterStateChange(_ context.Context, e *fsm.Event) {
	c.logger.Debug("смена состояния вызова", slog.String("from", e.Src), slog.String("to", e.Dst))
}

// transition переводит вызов в dst. Переход в текущее состояние - не ошибка.
func (c *CallSession) transition(dst CallState) error {
	cur := c.State()
	if cur == dst {
		return nil
	}
	if err := c.fsm.Event(c.ua.ctx, formEventName(cur, dst)); err != nil {
		return newError(KindProtocol, "transition", fmt.Sprintf("%s -> %s", cur, dst)).
			WithCall(c.id).WithCause(err)
	}
	return nil
}

// ID возвращает Call-ID
func (c *CallSession) ID() string { return c.id }

// LocalURI - URI локальной стороны
func (c *CallSession) LocalURI() string { return c.localURI.String() }

// RemoteURI - URI удаленной стороны
func (c *CallSession) RemoteURI() string { return c.remoteURI.String() }

// Direction - направление вызова
func (c *CallSession) Direction() Direction { return c.direction }

// State возвращает текущее состояние
func (c *CallSession) State() CallState {
	return CallState(c.fsm.Current())
}

// Reason возвращает причину завершения (ReasonNone, пока вызов активен)
func (c *CallSession) Reason() TerminationReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *CallSession) nextSeq() uint32 {
	c.localSeq++
	return c.localSeq
}

// Accept отвечает 200 OK на входящий вызов в состоянии INCOMING_RINGING.
func (c *CallSession) Accept() error {
	if st := c.State(); st != StateIncomingRinging {
		return errInvalidState("accept", st).WithCall(c.id)
	}
	c.ua.post(c.accept)
	return nil
}

// Reject отклоняет входящий вызов кодом 486 или 603.
func (c *CallSession) Reject(code RejectCode) error {
	if code != RejectBusy && code != RejectDecline {
		return newError(KindInvalidState, "reject", fmt.Sprintf("код %d не поддерживается", code)).WithCall(c.id)
	}
	if st := c.State(); st != StateIncomingRinging {
		return errInvalidState("reject", st).WithCall(c.id)
	}
	c.ua.post(func() { c.hangup(code) })
	return nil
}

// Cancel отменяет исходящий вызов до ответа.
func (c *CallSession) Cancel() error {
	if st := c.State(); c.direction != DirectionOutbound || (st != StateIdle && st != StateOutgoingRinging) {
		return errInvalidState("cancel", st).WithCall(c.id)
	}
	c.ua.post(func() { c.hangup(RejectDecline) })
	return nil
}

// Hangup завершает вызов в любом состоянии. Для TERMINATED ничего не делает.
func (c *CallSession) Hangup() error {
	if c.State() == StateTerminated {
		return nil
	}
	c.ua.post(func() { c.hangup(RejectDecline) })
	return nil
}

// hangup - локальное завершение. code используется только для входящего
// вызова, на который еще не ответили.
func (c *CallSession) hangup(code RejectCode) {
	switch st := c.State(); st {
	case StateIdle:
		c.logger.Debug("завершение запрошено до отправки запроса")
		c.latch(ReasonLocalHangup)

	case StateOutgoingRinging:
		c.latch(ReasonLocalHangup)
		if c.cancelSent {
			return
		}
		if c.pendingOutgoing != nil && c.pendingOutgoing.completed() {
			// финальный ответ уже обрабатывается, BYE отправит completeCall
			return
		}
		c.sendCancel()

	case StateIncomingRinging:
		_ = c.transition(StateTerminated)
		c.respondInvite(int(code), code.reason(), nil)
		c.finish(ReasonLocalHangup, true)

	case StateConfirmed:
		_ = c.transition(StateTerminated)
		c.sendBye()
		c.finish(ReasonNone, true)

	case StateTerminated:
	}
}

// terminate - остановка UA: вызов завершается сразу, не дожидаясь ответов.
func (c *CallSession) terminate() {
	switch c.State() {
	case StateIdle:
		if c.direction == DirectionInbound && c.pendingIncoming != nil {
			c.respondInvite(sip.StatusRequestTerminated, "Request Terminated", nil)
		}
		_ = c.transition(StateTerminated)
		c.finish(ReasonLocalHangup, false)
	case StateOutgoingRinging:
		c.latch(ReasonLocalHangup)
		if !c.cancelSent && (c.pendingOutgoing == nil || !c.pendingOutgoing.completed()) {
			c.sendCancel()
		}
		_ = c.transition(StateTerminated)
		c.finish(ReasonLocalHangup, true)
	default:
		c.hangup(RejectDecline)
	}
}

func (c *CallSession) latch(reason TerminationReason) {
	if c.terminateRequested {
		return
	}
	c.terminateRequested = true
	c.latchReason = reason
}

func (c *CallSession) sendCancel() {
	if c.invite == nil {
		return
	}
	tx, err := c.ua.sendRequest(buildCancel(c.invite))
	if err != nil {
		c.logger.Error("не удалось отправить CANCEL", slog.Any("error", err))
		_ = c.transition(StateTerminated)
		c.finish(ReasonLocalHangup, true)
		return
	}
	tx.call = c
	c.cancelSent = true
}

func (c *CallSession) sendBye() {
	tx, err := c.ua.sendRequest(c.buildBye())
	if err != nil {
		c.logger.Error("не удалось отправить BYE", slog.Any("error", err))
		return
	}
	tx.call = c
}

// respondInvite отправляет финальный ответ на входящий INVITE
func (c *CallSession) respondInvite(code int, reason string, body []byte, hdrs ...sip.Header) error {
	stx := c.pendingIncoming
	if stx == nil {
		return newError(KindProtocol, "respond", "нет входящего INVITE").WithCall(c.id)
	}
	if code >= 200 {
		c.pendingIncoming = nil
	}
	err := stx.respond(c.ua.ctx, c.ua.tr, code, reason, body, hdrs...)
	if err != nil {
		c.logger.Error("не удалось отправить ответ", slog.Int("status", int(code)), slog.Any("error", err))
	}
	return err
}

// finish фиксирует причину и освобождает ресурсы. Уведомление - не более одного раза.
func (c *CallSession) finish(reason TerminationReason, notify bool) {
	if c.finished {
		return
	}
	c.finished = true
	c.mu.Lock()
	c.reason = reason
	c.mu.Unlock()

	c.ua.store.deleteCall(c.id)
	if c.media != nil {
		c.media.Close()
	}
	c.ua.metrics.CallTerminated(reason.String())
	c.logger.Info("вызов завершен", slog.String("reason", reason.String()))

	if notify {
		_, _, _, h := c.ua.callHandlers()
		h.OnTerminated(c, reason)
	}
}

// fail завершает вызов с причиной ERROR и сообщает ошибку
func (c *CallSession) fail(err error) {
	_, eh := c.ua.handlers()
	eh.OnCallError(c, err)
	_ = c.transition(StateTerminated)
	c.finish(ReasonError, true)
}

// completeCall - финальная точка успешного согласования. Перед CONFIRMED
// проверяется защелка завершения.
func (c *CallSession) completeCall() {
	if c.terminateRequested && c.State() != StateTerminated {
		_ = c.transition(StateTerminated)
		c.sendBye()
		c.finish(ReasonLocalHangup, true)
		return
	}
	if err := c.transition(StateConfirmed); err != nil {
		c.logger.Warn("вызов нельзя подтвердить", slog.Any("error", err))
		return
	}
	c.established = true
	_, _, h, _ := c.ua.callHandlers()
	h.OnEstablished(c)
}

func (c *CallSession) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", c.id),
		slog.String("state", string(c.State())),
		slog.String("direction", string(c.direction)),
	)
}
