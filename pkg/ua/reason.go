package ua

// TerminationReason - причина завершения вызова.
type TerminationReason int

const (
	ReasonNone TerminationReason = iota
	ReasonLocalHangup
	ReasonRemoteHangup
	ReasonBusy
	ReasonUserNotFound
	ReasonError
)

// ReasonRemoteBusy - синоним ReasonBusy
const ReasonRemoteBusy = ReasonBusy

var reasonNames = [...]string{
	ReasonNone:         "NONE",
	ReasonLocalHangup:  "LOCAL_HANGUP",
	ReasonRemoteHangup: "REMOTE_HANGUP",
	ReasonBusy:         "BUSY",
	ReasonUserNotFound: "USER_NOT_FOUND",
	ReasonError:        "ERROR",
}

func (r TerminationReason) String() string {
	if r < 0 || int(r) >= len(reasonNames) {
		return "UNKNOWN"
	}
	return reasonNames[r]
}

// CallState - состояние вызова
type CallState string

func (s CallState) String() string {
	return string(s)
}

const (
	// StateIdle - исходящий вызов создан, локальное предложение SDP еще не готово
	StateIdle CallState = "IDLE"
	// StateOutgoingRinging - INVITE отправлен, ждем финальный ответ
	StateOutgoingRinging CallState = "OUTGOING_RINGING"
	// StateIncomingRinging - получен INVITE, ждем решения приложения
	StateIncomingRinging CallState = "INCOMING_RINGING"
	// StateConfirmed - диалог подтвержден
	StateConfirmed CallState = "CONFIRMED"
	// StateTerminated - вызов завершен, терминальное состояние
	StateTerminated CallState = "TERMINATED"
)

// RejectCode - код отклонения входящего вызова
type RejectCode int

const (
	RejectBusy    RejectCode = 486
	RejectDecline RejectCode = 603
)

func (c RejectCode) reason() string {
	if c == RejectDecline {
		return "Decline"
	}
	return "Busy Here"
}

// Direction - направление вызова
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)
