// Package media описывает коллаборатор согласования медиа (offer/answer) и
// содержит реализацию по умолчанию, которая формирует и проверяет SDP через
// github.com/pion/sdp/v3. Сам медиа-план (RTP, ICE, DTLS) сюда не входит.
package media

import (
	"context"
	"errors"
)

var (
	// ErrNegotiation - общая ошибка согласования, которую ядро отображает в
	// завершение вызова с причиной ERROR.
	ErrNegotiation = errors.New("media negotiation failed")

	// ErrPending возвращается Future.Result до разрешения.
	ErrPending = errors.New("future is not resolved yet")

	// ErrSessionClosed - операция над закрытой медиа-сессией.
	ErrSessionClosed = errors.New("media session closed")
)

// Engine создает медиа-сессию на каждый вызов.
type Engine interface {
	NewSession(callID string) Session
}

// Session - согласование медиа одного вызова. Каждый метод возвращает
// одноразовый Future; ядро потребляет его ровно один раз.
type Session interface {
	CreateOffer(ctx context.Context) *Future[string]
	CreateAnswer(ctx context.Context, remoteOffer string) *Future[string]
	SetRemoteAnswer(ctx context.Context, answer string) *Future[struct{}]
	Close()
}
