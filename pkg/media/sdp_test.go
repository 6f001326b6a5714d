package media_test

import (
	"context"
	"strings"
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipua/pkg/media"
)

func newEngine(t *testing.T) *media.SDPEngine {
	t.Helper()
	cfg := media.DefaultSDPConfig()
	cfg.Address = "192.0.2.10"
	e, err := media.NewSDPEngine(cfg)
	require.NoError(t, err)
	return e
}

func TestSDPEngine_OfferAnswerRoundTrip(t *testing.T) {
	ctx := context.Background()
	caller := newEngine(t).NewSession("call-1")
	callee := newEngine(t).NewSession("call-1")

	offer, err := caller.CreateOffer(ctx).Wait(ctx)
	require.NoError(t, err)

	var parsed sdp.SessionDescription
	require.NoError(t, parsed.Unmarshal([]byte(offer)))
	require.Len(t, parsed.MediaDescriptions, 1)
	assert.Equal(t, "audio", parsed.MediaDescriptions[0].MediaName.Media)
	assert.Equal(t, []string{"0", "8"}, parsed.MediaDescriptions[0].MediaName.Formats)
	assert.Equal(t, "192.0.2.10", parsed.ConnectionInformation.Address.Address)

	answer, err := callee.CreateAnswer(ctx, offer).Wait(ctx)
	require.NoError(t, err)

	_, err = caller.SetRemoteAnswer(ctx, answer).Wait(ctx)
	assert.NoError(t, err)
}

func TestSDPEngine_SessionsUseDistinctPorts(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	port := func(s media.Session) int {
		offer, err := s.CreateOffer(ctx).Wait(ctx)
		require.NoError(t, err)
		var d sdp.SessionDescription
		require.NoError(t, d.Unmarshal([]byte(offer)))
		return d.MediaDescriptions[0].MediaName.Port.Value
	}

	assert.Equal(t, 20000, port(e.NewSession("a")))
	assert.Equal(t, 20002, port(e.NewSession("b")))
}

func TestSDPEngine_AnswerWithoutCommonFormat(t *testing.T) {
	ctx := context.Background()
	cfg := media.DefaultSDPConfig()
	cfg.Formats = []media.Format{{PayloadType: 9, Name: "G722", ClockRate: 8000}}
	other, err := media.NewSDPEngine(cfg)
	require.NoError(t, err)

	offer, err := other.NewSession("x").CreateOffer(ctx).Wait(ctx)
	require.NoError(t, err)

	_, err = newEngine(t).NewSession("y").CreateAnswer(ctx, offer).Wait(ctx)
	assert.ErrorIs(t, err, media.ErrNegotiation)
}

func TestSDPEngine_RejectsInvalidAnswer(t *testing.T) {
	ctx := context.Background()
	s := newEngine(t).NewSession("z")

	_, err := s.SetRemoteAnswer(ctx, "v=0\r\n").Wait(ctx)
	assert.ErrorIs(t, err, media.ErrNegotiation, "Answer before offer must fail")

	_, err = s.CreateOffer(ctx).Wait(ctx)
	require.NoError(t, err)

	_, err = s.SetRemoteAnswer(ctx, "garbage").Wait(ctx)
	assert.ErrorIs(t, err, media.ErrNegotiation)

	_, err = s.SetRemoteAnswer(ctx, "").Wait(ctx)
	assert.ErrorIs(t, err, media.ErrNegotiation)
}

func TestSDPEngine_ClosedSession(t *testing.T) {
	ctx := context.Background()
	s := newEngine(t).NewSession("closed")
	s.Close()

	_, err := s.CreateOffer(ctx).Wait(ctx)
	assert.ErrorIs(t, err, media.ErrSessionClosed)
}

func TestSDPConfig_Validate(t *testing.T) {
	cfg := media.DefaultSDPConfig()
	cfg.Address = ""
	_, err := media.NewSDPEngine(cfg)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "invalid sdp config"))
}
