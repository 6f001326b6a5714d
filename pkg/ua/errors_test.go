package ua

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arzzra/sipua/pkg/digest"
)

func TestError_KindMatching(t *testing.T) {
	cause := errors.New("connection refused")
	err := errTransport("send INVITE", cause).WithCall("abc")

	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrProtocol)
	assert.Equal(t, KindTransport, KindOf(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, "[TRANSPORT] send INVITE (Call-ID: abc): connection refused", err.Error())

	var uaErr *Error
	assert.True(t, errors.As(fmt.Errorf("ctx: %w", err), &uaErr))
	assert.Equal(t, "abc", uaErr.CallID)
}

func TestError_Kinds(t *testing.T) {
	assert.ErrorIs(t, errInvalidState("accept", StateConfirmed), ErrInvalidState)
	assert.ErrorIs(t, errConfig("LocalPort", 80, "bad"), ErrConfiguration)
	assert.ErrorIs(t, errMedia("offer", errors.New("x")), ErrMedia)
	assert.ErrorIs(t, newError(KindUnsupportedAlgorithm, "digest", "MD4"), digest.ErrUnsupportedAlgorithm)
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}
