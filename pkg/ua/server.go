package ua

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"
)

// handleRequest маршрутизирует входящий запрос по методу
func (u *UserAgent) handleRequest(h TxHandle, req *sip.Request) {
	log := u.logger.With(slog.String("method", string(req.Method)))
	callID := ""
	if id := req.CallID(); id != nil {
		callID = id.Value()
		log = log.With(slog.String("call_id", callID))
	}
	log.Debug("входящий запрос")

	if req.Method == sip.ACK {
		u.handleAck(callID)
		return
	}

	stx := newServerTransaction(h, req)
	if h != "" {
		u.serverTxs[h] = stx
	}

	switch req.Method {
	case sip.INVITE:
		u.handleInvite(stx, callID)
	case sip.BYE:
		u.handleBye(stx, callID)
	case sip.CANCEL:
		u.handleCancel(stx, callID)
	default:
		log.Info("метод не поддерживается")
		u.reply(stx, statusNotImplemented, "Not Implemented", sip.NewHeader("Allow", allowMethods))
	}
}

// reply отвечает вне вызова
func (u *UserAgent) reply(stx *serverTransaction, code int, reason string, hdrs ...sip.Header) {
	if err := stx.respond(u.ctx, u.tr, code, reason, nil, hdrs...); err != nil {
		u.logger.Warn("не удалось отправить ответ",
			slog.Int("status", int(code)), slog.Any("tx", stx), slog.Any("error", err))
	}
}

func (u *UserAgent) handleInvite(stx *serverTransaction, callID string) {
	req := stx.req
	if _, ok := u.store.Call(callID); ok || callID == "" {
		// re-INVITE не поддерживается
		u.reply(stx, statusNotImplemented, "Not Implemented")
		return
	}

	to, from := req.To(), req.From()
	if to == nil || from == nil || !u.store.IsLocal(to.Address.String()) {
		u.logger.Info("вызов неизвестного пользователя", slog.String("call_id", callID))
		u.reply(stx, sip.StatusNotFound, "Not Found")
		return
	}

	c := newCallSession(u, callID, DirectionInbound, to.Address, from.Address)
	c.remoteTag = getTag(from.Params)
	if contact := req.Contact(); contact != nil {
		c.remoteTarget = contact.Address
	}
	c.routeSet = recordRoutes(req)
	stx.toTag = c.localTag
	stx.call = c
	c.pendingIncoming = stx

	u.store.putCall(c)
	u.metrics.CallStarted(string(c.direction))
	c.logger.Info("входящий вызов", slog.String("from", c.remoteURI.String()))

	if err := stx.respond(u.ctx, u.tr, sip.StatusTrying, "Trying", nil); err != nil {
		c.logger.Warn("не удалось отправить 100 Trying", slog.Any("error", err))
	}

	offer := req.Body()
	if len(offer) == 0 {
		c.respondInvite(sip.StatusNotAcceptableHere, "Not Acceptable Here", nil)
		c.fail(newError(KindMedia, "invite", "INVITE без SDP").WithCall(c.id))
		return
	}

	c.answerPending = true
	c.media = u.engine.NewSession(c.id)
	await(u, c.media.CreateAnswer(u.ctx, string(offer)), c.answerReady)
}

// answerReady - локальный answer готов. Защелка проверяется до INCOMING_RINGING.
func (c *CallSession) answerReady(answer string, err error) {
	c.answerPending = false
	if c.finished {
		return
	}
	if c.terminateRequested {
		c.logger.Debug("вызов завершен до готовности answer")
		_ = c.transition(StateTerminated)
		c.respondInvite(sip.StatusRequestTerminated, "Request Terminated", nil)
		c.finish(c.latchReason, false)
		return
	}
	if err != nil {
		c.respondInvite(sip.StatusNotAcceptableHere, "Not Acceptable Here", nil)
		c.fail(errMedia("create answer", err).WithCall(c.id))
		return
	}
	c.localSDP = answer
	if err := c.transition(StateIncomingRinging); err != nil {
		c.logger.Warn("ошибка перехода", slog.Any("error", err))
		return
	}
	if stx := c.pendingIncoming; stx != nil {
		if err := stx.respond(c.ua.ctx, c.ua.tr, sip.StatusRinging, "Ringing", nil); err != nil {
			c.logger.Warn("не удалось отправить 180 Ringing", slog.Any("error", err))
		}
	}
	_, r, _, _ := c.ua.callHandlers()
	r.OnRinging(c)
}

// accept - задача Accept
func (c *CallSession) accept() {
	if c.pendingIncoming == nil {
		c.logger.Debug("нет входящего запроса, accept проигнорирован")
		return
	}
	if st := c.State(); st != StateIncomingRinging {
		_, eh := c.ua.handlers()
		eh.OnCallError(c, errInvalidState("accept", st).WithCall(c.id))
		return
	}
	if err := c.transition(StateConfirmed); err != nil {
		c.fail(err)
		return
	}
	stx := c.pendingIncoming
	contact := &sip.ContactHeader{Address: c.ua.contactURI(c.localURI.User)}
	err := c.respondInvite(sip.StatusOK, "OK", []byte(c.localSDP),
		contact, sip.NewHeader("Allow", allowMethods))
	if err != nil {
		c.fail(err)
		return
	}
	// ждем ACK для подтверждения INVITE-транзакции
	c.confirmTx = stx
}

// handleAck подтверждает серверную INVITE-транзакцию
func (u *UserAgent) handleAck(callID string) {
	c, ok := u.store.Call(callID)
	if !ok {
		u.logger.Debug("ACK без вызова", slog.String("call_id", callID))
		return
	}
	if c.confirmTx != nil {
		c.confirmTx.confirm(u.ctx)
		c.confirmTx = nil
	}
	if c.direction != DirectionInbound || c.established || c.State() != StateConfirmed {
		return
	}
	c.completeCall()
}

func (u *UserAgent) handleBye(stx *serverTransaction, callID string) {
	c, ok := u.store.Call(callID)
	if !ok {
		u.reply(stx, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}
	u.reply(stx, sip.StatusOK, "OK")
	if c.State() == StateTerminated {
		return
	}
	c.logger.Info("удаленная сторона завершила вызов")
	if c.pendingIncoming != nil {
		c.respondInvite(sip.StatusRequestTerminated, "Request Terminated", nil)
	}
	_ = c.transition(StateTerminated)
	c.finish(ReasonRemoteHangup, true)
}

func (u *UserAgent) handleCancel(stx *serverTransaction, callID string) {
	c, ok := u.store.Call(callID)
	if !ok || c.direction != DirectionInbound {
		u.reply(stx, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}
	u.reply(stx, sip.StatusOK, "OK")
	c.remoteCancel()
}

// remoteCancel - CANCEL от удаленной стороны. До готовности answer
// только выставляется защелка.
func (c *CallSession) remoteCancel() {
	switch c.State() {
	case StateIdle:
		if c.answerPending {
			c.latch(ReasonRemoteHangup)
		}
	case StateIncomingRinging:
		_ = c.transition(StateTerminated)
		c.respondInvite(sip.StatusRequestTerminated, "Request Terminated", nil)
		c.finish(ReasonRemoteHangup, true)
	default:
		c.logger.Debug("CANCEL проигнорирован", slog.String("state", string(c.State())))
	}
}

// serverTimeout - на отправленный 200 OK не пришел ACK
func (u *UserAgent) serverTimeout(stx *serverTransaction) {
	c := stx.call
	if c == nil || c.finished {
		return
	}
	if c.confirmTx == stx {
		c.confirmTx = nil
	}
	if c.State() == StateConfirmed {
		_ = c.transition(StateTerminated)
		c.sendBye()
	}
	c.fail(newError(KindTransport, "invite", "SIP protocol timeout").WithCall(c.id))
}
