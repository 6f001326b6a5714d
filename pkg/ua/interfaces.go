package ua

import (
	"context"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipua/pkg/scheduler"
)

// TxHandle - непрозрачный идентификатор транзакции на стороне транспорта.
type TxHandle string

// Transport - транспортный коллаборатор. Владеет ретрансмиссиями,
// ветками Via и сериализацией; ядро передает только готовые сообщения.
type Transport interface {
	// SetListener задает получателя входящих событий
	SetListener(l TransportListener)
	// SendRequest создает клиентскую транзакцию
	SendRequest(ctx context.Context, req *sip.Request) (TxHandle, error)
	// SendResponse отвечает в серверную транзакцию
	SendResponse(ctx context.Context, h TxHandle, res *sip.Response) error
	// WriteRequest отправляет запрос без транзакции (ACK на 2xx)
	WriteRequest(ctx context.Context, req *sip.Request) error
	// SendKeepAlive отправляет heartbeat до прокси
	SendKeepAlive(ctx context.Context) error
}

// TransportListener получает события транспорта. Вызовы могут идти из
// любых горутин; UserAgent переводит каждый в задачу своей очереди.
type TransportListener interface {
	OnRequest(h TxHandle, req *sip.Request)
	OnResponse(h TxHandle, res *sip.Response)
	OnTimeout(h TxHandle)
	// OnTransactionTerminated без предшествующего финального ответа или
	// таймаута означает ошибку транспорта
	OnTransactionTerminated(h TxHandle)
}

// ConnectionProber - необязательная возможность транспорта сообщить
// локальный адрес текущего соединения с прокси.
type ConnectionProber interface {
	LocalConnectionAddr(ctx context.Context) (string, error)
}

// Scheduler - коллаборатор таймеров. period == 0 - однократный запуск.
type Scheduler interface {
	Schedule(task func(), delay, period time.Duration) scheduler.Handle
	Cancel(h scheduler.Handle)
}

// RegisterHandler получает исходы регистрации
type RegisterHandler interface {
	OnUserOnline(reg Registration)
	OnUserOffline(reg Registration)
	OnAuthenticationFailure(reg Registration)
	OnRegisterError(reg Registration, err error)
}

// CallDialingHandler - прогресс исходящего вызова
type CallDialingHandler interface {
	OnRemoteRinging(call *CallSession)
}

// CallRingingHandler - входящий вызов готов к ответу
type CallRingingHandler interface {
	OnRinging(call *CallSession)
}

// CallEstablishedHandler - диалог подтвержден
type CallEstablishedHandler interface {
	OnEstablished(call *CallSession)
}

// CallTerminatedHandler - вызов завершен
type CallTerminatedHandler interface {
	OnTerminated(call *CallSession, reason TerminationReason)
}

// ErrorHandler получает ошибки уровня UA и вызова
type ErrorHandler interface {
	OnUAError(err error)
	OnCallError(call *CallSession, err error)
}

// UAHandler - жизненный цикл UserAgent
type UAHandler interface {
	OnTerminated()
}

// defaultHandler реализует все интерфейсы обработчиков и только пишет в лог.
type defaultHandler struct {
	logger *slog.Logger
}

func (h defaultHandler) OnUserOnline(reg Registration) {
	h.logger.Debug("пользователь в сети", slog.String("uri", reg.URI))
}

func (h defaultHandler) OnUserOffline(reg Registration) {
	h.logger.Debug("пользователь не в сети", slog.String("uri", reg.URI))
}

func (h defaultHandler) OnAuthenticationFailure(reg Registration) {
	h.logger.Debug("ошибка аутентификации", slog.String("uri", reg.URI))
}

func (h defaultHandler) OnRegisterError(reg Registration, err error) {
	h.logger.Debug("ошибка регистрации", slog.String("uri", reg.URI), slog.Any("error", err))
}

func (h defaultHandler) OnRemoteRinging(call *CallSession) {
	h.logger.Debug("удаленная сторона звонит", slog.String("call_id", call.ID()))
}

func (h defaultHandler) OnRinging(call *CallSession) {
	h.logger.Debug("входящий вызов", slog.String("call_id", call.ID()))
}

func (h defaultHandler) OnEstablished(call *CallSession) {
	h.logger.Debug("вызов установлен", slog.String("call_id", call.ID()))
}

func (h defaultHandler) OnTerminated(call *CallSession, reason TerminationReason) {
	h.logger.Debug("вызов завершен", slog.String("call_id", call.ID()), slog.String("reason", reason.String()))
}

func (h defaultHandler) OnUAError(err error) {
	h.logger.Debug("ошибка UA", slog.Any("error", err))
}

func (h defaultHandler) OnCallError(call *CallSession, err error) {
	h.logger.Debug("ошибка вызова", slog.String("call_id", call.ID()), slog.Any("error", err))
}

type defaultUAHandler struct {
	logger *slog.Logger
}

func (h defaultUAHandler) OnTerminated() {
	h.logger.Debug("UA остановлен")
}
