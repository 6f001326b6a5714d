package ua

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipua/pkg/digest"
)

// ErrorKind - закрытый набор видов ошибок ядра.
type ErrorKind string

const (
	// KindTransport - транспорт не смог отправить сообщение
	KindTransport ErrorKind = "TRANSPORT"
	// KindProtocol - операция недопустима в текущем состоянии транзакции/диалога
	KindProtocol ErrorKind = "PROTOCOL"
	// KindInvalidState - приложение вызвало операцию, недопустимую в текущем состоянии вызова
	KindInvalidState ErrorKind = "INVALID_STATE"
	// KindMedia - ошибка коллаборатора согласования медиа
	KindMedia ErrorKind = "MEDIA"
	// KindUnsupportedAlgorithm - алгоритм digest недоступен
	KindUnsupportedAlgorithm ErrorKind = "UNSUPPORTED_ALGORITHM"
	// KindConfiguration - некорректная конфигурация
	KindConfiguration ErrorKind = "CONFIGURATION"
)

// String возвращает строковое представление вида ошибки
func (k ErrorKind) String() string {
	return string(k)
}

// Сигнальные ошибки для errors.Is. *Error с соответствующим Kind
// сопоставляется с ними автоматически.
var (
	ErrTransport            = errors.New("transport error")
	ErrProtocol             = errors.New("protocol error")
	ErrInvalidState         = errors.New("invalid state")
	ErrMedia                = errors.New("media error")
	ErrUnsupportedAlgorithm = digest.ErrUnsupportedAlgorithm
	ErrConfiguration        = errors.New("configuration error")
)

// Исходы регистрации, которые различает RegisterHandler.OnRegisterError.
var (
	// ErrConnectionFailure - регистратор недоступен (408, 5xx, таймаут)
	ErrConnectionFailure = errors.New("connection failure")
	// ErrUserNotFound - регистратор не знает пользователя (404)
	ErrUserNotFound = errors.New("user not found")
)

// errTxAborted - транспорт закрыл транзакцию без финального ответа и таймаута
var errTxAborted = errors.New("transaction terminated without final response")

var kindSentinels = map[ErrorKind]error{
	KindTransport:            ErrTransport,
	KindProtocol:             ErrProtocol,
	KindInvalidState:         ErrInvalidState,
	KindMedia:                ErrMedia,
	KindUnsupportedAlgorithm: ErrUnsupportedAlgorithm,
	KindConfiguration:        ErrConfiguration,
}

// Error - структурированная ошибка ядра с контекстом.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	CallID  string
	Method  sip.RequestMethod
	Err     error
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Op)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.CallID != "" {
		msg += fmt.Sprintf(" (Call-ID: %s)", e.CallID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *Error) Unwrap() error {
	return e.Err
}

// Is сопоставляет ошибку с сигнальной ошибкой ее вида.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func newError(kind ErrorKind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// WithCall добавляет Call-ID
func (e *Error) WithCall(callID string) *Error {
	e.CallID = callID
	return e
}

// WithCause добавляет исходную ошибку
func (e *Error) WithCause(cause error) *Error {
	e.Err = cause
	return e
}

func errTransport(op string, cause error) *Error {
	return newError(KindTransport, op, "").WithCause(cause)
}

func errInvalidState(op string, state CallState) *Error {
	return newError(KindInvalidState, op,
		fmt.Sprintf("нельзя выполнить операцию в состоянии %s", state))
}

func errConfig(field string, value any, reason string) *Error {
	return newError(KindConfiguration, "config",
		fmt.Sprintf("%s=%v: %s", field, value, reason))
}

func errMedia(op string, cause error) *Error {
	return newError(KindMedia, op, "").WithCause(cause)
}

// KindOf возвращает вид ошибки или пустую строку, если err не *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
