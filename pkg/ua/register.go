package ua

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipua/pkg/digest"
	"github.com/arzzra/sipua/pkg/scheduler"
)

// Registration - учетная запись, которую UA регистрирует на регистраторе.
type Registration struct {
	// URI - address-of-record, например sip:alice@example.com
	URI string
	// AuthUser - имя для digest; пусто - user из URI
	AuthUser string
	Password string
	// Realm - домен регистратора (Request-URI REGISTER); пусто - host из URI
	Realm string
	// Expires - запрашиваемый срок в секундах; 0 - Config.RegExpires
	Expires int
}

const (
	regOutcomeOnline      = "online"
	regOutcomeOffline     = "offline"
	regOutcomeAuthFailure = "auth_failure"
	regOutcomeError       = "error"
)

// registrationSession - состояние регистрации одного URI.
// Call-ID стабилен все время жизни сессии, CSeq строго растет.
type registrationSession struct {
	ua  *UserAgent
	reg Registration
	key string

	aor        sip.Uri
	requestURI sip.Uri
	callID     string
	fromTag    string
	seq        uint32

	refreshTimer scheduler.Handle

	authHeaderName string
	authHeader     string
	authRetried    bool

	// настроенный срок регистрации
	expires int
	// идет снятие привязки после смены публичного адреса
	rebinding bool

	pending *clientTransaction
}

func newRegistrationSession(u *UserAgent, reg Registration, aor sip.Uri) *registrationSession {
	rs := &registrationSession{
		ua:      u,
		key:     uriKey(aor),
		aor:     aor,
		callID:  newCallID(),
		fromTag: newTag(),
	}
	rs.update(reg)
	return rs
}

// update применяет новые учетные данные к существующей сессии
func (rs *registrationSession) update(reg Registration) {
	rs.reg = reg
	realm := reg.Realm
	if realm == "" {
		realm = rs.aor.Host
	}
	rs.requestURI = sip.Uri{Scheme: "sip", Host: realm}
	rs.expires = reg.Expires
	if rs.expires <= 0 {
		rs.expires = rs.ua.cfg.RegExpires
	}
}

func (rs *registrationSession) authUser() string {
	if rs.reg.AuthUser != "" {
		return rs.reg.AuthUser
	}
	return rs.aor.User
}

func (rs *registrationSession) logger() *slog.Logger {
	return rs.ua.logger.With(slog.String("uri", rs.reg.URI), slog.String("call_id", rs.callID))
}

// Register регистрирует URI. Повторный вызов для того же URI обновляет
// учетные данные и перерегистрирует.
func (u *UserAgent) Register(reg Registration) error {
	aor, err := parseURI(reg.URI)
	if err != nil {
		return err
	}
	if !u.post(func() { u.register(reg, aor) }) {
		return newError(KindInvalidState, "register", "UA остановлен")
	}
	return nil
}

// Unregister снимает регистрацию URI. Неизвестный URI сразу сообщается как offline.
func (u *UserAgent) Unregister(reg Registration) error {
	aor, err := parseURI(reg.URI)
	if err != nil {
		return err
	}
	if !u.post(func() { u.unregister(reg, aor) }) {
		return newError(KindInvalidState, "unregister", "UA остановлен")
	}
	return nil
}

func (u *UserAgent) register(reg Registration, aor sip.Uri) {
	rs, ok := u.store.registration(uriKey(aor))
	if ok {
		rs.update(reg)
		u.sched.Cancel(rs.refreshTimer)
		rs.refreshTimer = 0
	} else {
		rs = newRegistrationSession(u, reg, aor)
		u.store.putRegistration(rs)
	}
	rs.authRetried = false
	rs.logger().Info("регистрация", slog.Int("expires", rs.expires))
	rs.send(rs.expires, false)
}

func (u *UserAgent) unregister(reg Registration, aor sip.Uri) {
	rs, ok := u.store.registration(uriKey(aor))
	if !ok {
		u.logger.Debug("снятие неизвестной регистрации", slog.String("uri", reg.URI))
		h, _ := u.handlers()
		h.OnUserOffline(reg)
		return
	}
	u.unregisterSession(rs)
}

// unregisterSession отменяет обновление, шлет REGISTER с expires=0
// и сразу убирает URI из таблицы.
func (u *UserAgent) unregisterSession(rs *registrationSession) {
	u.sched.Cancel(rs.refreshTimer)
	rs.refreshTimer = 0
	rs.rebinding = false
	u.store.deleteRegistration(rs.key)
	rs.logger().Info("снятие регистрации")
	rs.send(0, false)
}

// refresh - срабатывание таймера обновления
func (rs *registrationSession) refresh() {
	if cur, ok := rs.ua.store.registration(rs.key); !ok || cur != rs {
		return
	}
	rs.logger().Debug("обновление регистрации")
	rs.send(rs.expires, false)
}

// send отправляет REGISTER. Новый запрос вытесняет ожидающий.
func (rs *registrationSession) send(expires int, wildcard bool) {
	u := rs.ua
	req := rs.buildRegister(expires, wildcard)
	tx, err := u.sendRequest(req)
	if err != nil {
		rs.pending = nil
		rs.logger().Error("не удалось отправить REGISTER", slog.Any("error", err))
		rs.fail(err)
		return
	}
	tx.reg = rs
	rs.pending = tx
}

func (rs *registrationSession) fail(err error) {
	rs.ua.metrics.Registration(regOutcomeError)
	h, _ := rs.ua.handlers()
	h.OnRegisterError(rs.reg, err)
}

// requestedExpires - значение Expires отправленного запроса
func requestedExpires(req *sip.Request) int {
	if h := req.GetHeader("Expires"); h != nil {
		if v, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil {
			return v
		}
	}
	return 0
}

func wildcardContact(req *sip.Request) bool {
	h := req.GetHeader("Contact")
	return h != nil && strings.TrimSpace(h.Value()) == "*"
}

func (u *UserAgent) registerResponse(tx *clientTransaction, res *sip.Response) {
	rs := tx.reg
	if rs == nil || res.IsProvisional() {
		return
	}
	if rs.pending != tx {
		rs.logger().Debug("ответ на устаревший REGISTER", slog.Int("status", res.StatusCode))
		return
	}
	rs.pending = nil
	log := rs.logger().With(slog.Int("status", res.StatusCode))
	regHandler, _ := u.handlers()

	code := res.StatusCode
	if code != sip.StatusUnauthorized && code != sip.StatusProxyAuthRequired {
		rs.authRetried = false
		if !res.IsSuccess() {
			// снятие старых привязок не удалось
			rs.rebinding = false
		}
	}

	switch {
	case res.IsSuccess():
		requested := requestedExpires(tx.req)
		if u.rebind(rs, res, requested) {
			return
		}
		granted := expiresOf(res, requested)
		if requested == 0 || granted <= 0 {
			u.sched.Cancel(rs.refreshTimer)
			rs.refreshTimer = 0
			log.Info("пользователь не в сети")
			u.metrics.Registration(regOutcomeOffline)
			regHandler.OnUserOffline(rs.reg)
			return
		}
		half := time.Duration(granted) * time.Second / 2
		u.sched.Cancel(rs.refreshTimer)
		rs.refreshTimer = u.sched.Schedule(func() {
			u.post(rs.refresh)
		}, half, half)
		log.Info("пользователь в сети", slog.Int("expires", granted))
		u.metrics.Registration(regOutcomeOnline)
		regHandler.OnUserOnline(rs.reg)

	case code == sip.StatusUnauthorized || code == sip.StatusProxyAuthRequired:
		if rs.authRetried {
			log.Warn("повторный запрос аутентификации")
			rs.authRetried = false
			rs.rebinding = false
			u.metrics.Registration(regOutcomeAuthFailure)
			regHandler.OnAuthenticationFailure(rs.reg)
			return
		}
		if err := rs.authorize(res); err != nil {
			log.Error("не удалось вычислить digest", slog.Any("error", err))
			rs.fail(err)
			return
		}
		rs.authRetried = true
		rs.send(requestedExpires(tx.req), wildcardContact(tx.req))

	case code == sip.StatusForbidden:
		log.Warn("регистрация запрещена")
		u.metrics.Registration(regOutcomeAuthFailure)
		regHandler.OnAuthenticationFailure(rs.reg)

	case code == sip.StatusNotFound:
		rs.fail(fmt.Errorf("%w: %d %s", ErrUserNotFound, code, res.Reason))

	case code == sip.StatusRequestTimeout ||
		code == sip.StatusInternalServerError ||
		code == sip.StatusServiceUnavailable:
		rs.fail(fmt.Errorf("%w: %d %s", ErrConnectionFailure, code, res.Reason))

	default:
		rs.fail(newError(KindProtocol, "register", fmt.Sprintf("%d %s", code, res.Reason)))
	}
}

// authorize вычисляет заголовок авторизации по challenge ответа.
// uri digest - строка AOR.
func (rs *registrationSession) authorize(res *sip.Response) error {
	chalName, authName := "WWW-Authenticate", "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		chalName, authName = "Proxy-Authenticate", "Proxy-Authorization"
	}
	h := res.GetHeader(chalName)
	if h == nil {
		return newError(KindProtocol, "register", "нет заголовка "+chalName)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return newError(KindProtocol, "register", "некорректный challenge").WithCause(err)
	}
	value, err := digest.Authorize(chal, digest.Credentials{
		Username: rs.authUser(),
		Password: rs.reg.Password,
	}, string(sip.REGISTER), rs.aor.String())
	if err != nil {
		if errors.Is(err, digest.ErrUnsupportedAlgorithm) {
			return newError(KindUnsupportedAlgorithm, "register", chal.Algorithm).WithCause(err)
		}
		return err
	}
	rs.authHeaderName = authName
	rs.authHeader = value
	return nil
}

// rebind отслеживает смену публичного адреса на постоянном соединении.
// Возвращает true, если ответ поглощен процедурой перепривязки.
func (u *UserAgent) rebind(rs *registrationSession, res *sip.Response, requested int) bool {
	if !u.cfg.persistent() {
		return false
	}
	if rs.rebinding {
		// старые привязки сняты, регистрируемся с новым Contact
		rs.rebinding = false
		rs.send(rs.expires, false)
		return true
	}
	if requested == 0 {
		return false
	}
	host, port, ok := viaMapping(res)
	if !ok || (host == u.publicAddr && port == u.publicPort) {
		return false
	}
	rs.logger().Info("изменился публичный адрес",
		slog.String("old", fmt.Sprintf("%s:%d", u.publicAddr, u.publicPort)),
		slog.String("new", fmt.Sprintf("%s:%d", host, port)))
	u.publicAddr, u.publicPort = host, port
	rs.rebinding = true
	rs.send(0, true)
	return true
}

func (u *UserAgent) registerTimeout(tx *clientTransaction) {
	rs := tx.reg
	if rs == nil || rs.pending != tx {
		return
	}
	rs.pending = nil
	rs.rebinding = false
	rs.authRetried = false
	rs.logger().Warn("регистратор не ответил")
	rs.fail(fmt.Errorf("%w: timeout", ErrConnectionFailure))
}

func (u *UserAgent) registerAborted(tx *clientTransaction) {
	rs := tx.reg
	if rs == nil || rs.pending != tx {
		return
	}
	rs.pending = nil
	rs.rebinding = false
	rs.authRetried = false
	rs.logger().Warn("REGISTER прерван транспортом")
	rs.fail(fmt.Errorf("%w: %w", ErrConnectionFailure, errTxAborted))
}

// reregisterAll заново регистрирует все URI. Ожидающие REGISTER забываются.
func (u *UserAgent) reregisterAll() {
	for _, rs := range u.store.registrations() {
		rs.pending = nil
		rs.rebinding = false
		rs.authRetried = false
		u.sched.Cancel(rs.refreshTimer)
		rs.refreshTimer = 0
		rs.send(rs.expires, false)
	}
}
