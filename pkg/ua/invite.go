package ua

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo/sip"
)

// Коды ответов на INVITE, различаемые при завершении вызова
const (
	statusUnsupportedMediaType = 415
	statusBadIdentity          = 476
	statusNotImplemented       = 501
	statusBusyEverywhere       = 600
	statusDecline              = 603
	statusNotAcceptable        = 606
)

// Dial начинает исходящий вызов. Пустой from - первый зарегистрированный URI.
// Ошибки в аргументах возвращаются сразу, вызов при этом не создается.
func (u *UserAgent) Dial(from, to string) (*CallSession, error) {
	if from == "" {
		local := u.store.LocalURIs()
		if len(local) == 0 {
			return nil, newError(KindInvalidState, "dial", "нет зарегистрированных URI")
		}
		from = local[0]
	}
	localURI, err := parseURI(from)
	if err != nil {
		return nil, err
	}
	remoteURI, err := parseURI(to)
	if err != nil {
		return nil, err
	}
	if u.terminated.Load() {
		return nil, newError(KindInvalidState, "dial", "UA остановлен")
	}

	c := newCallSession(u, newCallID(), DirectionOutbound, localURI, remoteURI)
	if !u.post(c.start) {
		return nil, newError(KindInvalidState, "dial", "UA остановлен")
	}
	return c, nil
}

// start запрашивает offer; INVITE уходит только после его готовности
func (c *CallSession) start() {
	u := c.ua
	u.store.putCall(c)
	u.metrics.CallStarted(string(c.direction))
	c.logger.Info("исходящий вызов", slog.String("to", c.remoteURI.String()))

	c.media = u.engine.NewSession(c.id)
	await(u, c.media.CreateOffer(u.ctx), c.offerReady)
}

func (c *CallSession) offerReady(offer string, err error) {
	if c.finished {
		return
	}
	if c.terminateRequested {
		c.logger.Debug("вызов отменен до отправки INVITE")
		_ = c.transition(StateTerminated)
		c.finish(c.latchReason, false)
		return
	}
	if err != nil {
		c.fail(errMedia("create offer", err).WithCall(c.id))
		return
	}
	c.localSDP = offer

	req := c.buildInvite(offer)
	tx, err := c.ua.sendRequest(req)
	if err != nil {
		var uaErr *Error
		if errors.As(err, &uaErr) {
			uaErr.WithCall(c.id)
		}
		c.fail(err)
		return
	}
	tx.call = c
	c.invite = req
	c.pendingOutgoing = tx
	_ = c.transition(StateOutgoingRinging)
}

// failureReason отображает финальный код ошибки INVITE в причину завершения
func failureReason(code int) TerminationReason {
	switch code {
	case sip.StatusRequestTerminated:
		return ReasonLocalHangup
	case sip.StatusBusyHere, statusBusyEverywhere:
		return ReasonBusy
	case sip.StatusTemporarilyUnavailable, statusDecline:
		return ReasonRemoteHangup
	case statusUnsupportedMediaType, sip.StatusNotAcceptableHere, statusNotAcceptable:
		return ReasonError
	case sip.StatusNotFound, statusBadIdentity:
		return ReasonUserNotFound
	}
	return ReasonError
}

func (u *UserAgent) inviteResponse(tx *clientTransaction, res *sip.Response) {
	c := tx.call
	if c == nil {
		return
	}
	log := c.logger.With(slog.Int("status", res.StatusCode))

	switch code := res.StatusCode; {
	case code == sip.StatusRinging:
		if c.State() == StateOutgoingRinging && !c.terminateRequested {
			d, _, _, _ := u.callHandlers()
			d.OnRemoteRinging(c)
		}

	case res.IsProvisional():
		// 100, 183 и прочие 1xx

	case code == sip.StatusOK:
		u.inviteAnswered(c, tx, res)

	case res.IsSuccess():
		log.Warn("неподдерживаемый 2xx на INVITE")
		c.ack(tx.req, res)
		if c.State() == StateTerminated {
			c.sendBye()
			return
		}
		_ = c.transition(StateTerminated)
		c.sendBye()
		c.finish(ReasonError, true)

	default:
		if c.State() == StateTerminated {
			return
		}
		reason := ReasonError
		if code >= 400 {
			reason = failureReason(code)
		}
		log.Info("вызов отклонен", slog.String("reason", reason.String()))
		_ = c.transition(StateTerminated)
		c.finish(reason, true)
	}
}

// inviteAnswered - 200 OK на INVITE: фиксируем диалог и применяем answer
func (u *UserAgent) inviteAnswered(c *CallSession, tx *clientTransaction, res *sip.Response) {
	if to := res.To(); to != nil {
		c.remoteTag = getTag(to.Params)
	}
	if contact := res.Contact(); contact != nil {
		c.remoteTarget = contact.Address
	}
	c.routeSet = reverseRoutes(recordRoutes(res))

	if c.State() == StateTerminated {
		// вызов уже завершен локально (остановка UA)
		c.ack(tx.req, res)
		c.sendBye()
		return
	}

	body := res.Body()
	if len(body) == 0 {
		c.ack(tx.req, res)
		_ = c.transition(StateTerminated)
		c.sendBye()
		c.fail(newError(KindProtocol, "invite", "200 OK без SDP").WithCall(c.id))
		return
	}

	await(u, c.media.SetRemoteAnswer(u.ctx, string(body)), func(_ struct{}, err error) {
		c.ack(tx.req, res)
		if c.finished {
			c.sendBye()
			return
		}
		if err != nil {
			_ = c.transition(StateTerminated)
			c.sendBye()
			c.fail(errMedia("set remote answer", err).WithCall(c.id))
			return
		}
		c.completeCall()
	})
}

func (c *CallSession) ack(invite *sip.Request, res *sip.Response) {
	ack := buildAck(invite, res, c.ua.cfg.UserAgent)
	if err := c.ua.tr.WriteRequest(c.ua.ctx, ack); err != nil {
		c.logger.Error("не удалось отправить ACK", slog.Any("error", err))
	}
}

func (u *UserAgent) inviteTimeout(tx *clientTransaction) {
	c := tx.call
	if c == nil || c.finished {
		return
	}
	c.logger.Warn("нет ответа на INVITE")
	c.fail(newError(KindTransport, "invite", "SIP protocol timeout").WithCall(c.id))
}

func (u *UserAgent) inviteAborted(tx *clientTransaction) {
	c := tx.call
	if c == nil || c.finished {
		return
	}
	c.logger.Warn("INVITE прерван транспортом")
	c.fail(errTransport("invite", errTxAborted).WithCall(c.id))
}

func (u *UserAgent) byeResponse(tx *clientTransaction, res *sip.Response) {
	if res.IsProvisional() {
		return
	}
	attrs := []any{slog.Int("status", res.StatusCode)}
	if tx.call != nil {
		attrs = append(attrs, slog.String("call_id", tx.call.id))
	}
	u.logger.Debug("ответ на BYE", attrs...)
}

func (u *UserAgent) cancelResponse(tx *clientTransaction, res *sip.Response) {
	if res.IsProvisional() {
		return
	}
	c := tx.call
	if c == nil {
		return
	}
	if !res.IsSuccess() {
		// CANCEL опоздал: INVITE завершится своим финальным ответом
		c.logger.Debug("CANCEL отклонен", slog.String("status", fmt.Sprintf("%d %s", res.StatusCode, res.Reason)))
	}
}
