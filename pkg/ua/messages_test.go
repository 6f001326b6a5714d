package ua

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUriKey(t *testing.T) {
	a, err := parseURI("sip:alice@Example.COM:5060;transport=tcp")
	require.NoError(t, err)
	b, err := parseURI("sip:alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, uriKey(a), uriKey(b))
	assert.Equal(t, "sip:alice@example.com", uriKey(b))
}

func TestParseURI_Errors(t *testing.T) {
	for _, s := range []string{"", "   ", "sip:"} {
		_, err := parseURI(s)
		assert.ErrorIs(t, err, ErrInvalidState, s)
	}
}

func TestNewResponse_AddsToTag(t *testing.T) {
	req := inviteRequest("resp-1", aliceURI, testOffer)

	trying := newResponse(req, sip.StatusTrying, "Trying", nil, "local")
	assert.Empty(t, getTag(trying.To().Params), "100 carries no To-tag")

	ok := newResponse(req, sip.StatusOK, "OK", []byte(testAnswer), "local")
	assert.Equal(t, "local", getTag(ok.To().Params))
	assert.Equal(t, contentTypeSDP, headerValue(ok, "Content-Type"))
	assert.Equal(t, testAnswer, string(ok.Body()))
}

func TestViaMapping(t *testing.T) {
	req := inviteRequest("via-1", aliceURI, "")
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	_, _, ok := viaMapping(res)
	assert.False(t, ok)

	res.Via().Params.Add("received", "198.51.100.7").Add("rport", "6100")
	host, port, ok := viaMapping(res)
	require.True(t, ok)
	assert.Equal(t, "198.51.100.7", host)
	assert.Equal(t, 6100, port)
}

func TestExpiresOf(t *testing.T) {
	req := inviteRequest("exp-1", aliceURI, "")

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	assert.Equal(t, 3600, expiresOf(res, 3600))

	res.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "10.0.0.1"},
		Params:  sip.NewParams().Add("expires", "90"),
	})
	assert.Equal(t, 90, expiresOf(res, 3600))

	exp := sip.ExpiresHeader(45)
	res.AppendHeader(&exp)
	assert.Equal(t, 45, expiresOf(res, 3600))
}

func TestBuildCancel_CopiesInviteIdentity(t *testing.T) {
	invite := inviteRequest("cancel-1", bobURI, testOffer)
	cancel := buildCancel(invite)

	assert.Equal(t, sip.CANCEL, cancel.Method)
	assert.Equal(t, invite.Recipient.String(), cancel.Recipient.String())
	assert.Equal(t, invite.Via().Value(), cancel.Via().Value())
	assert.Equal(t, invite.CallID().Value(), cancel.CallID().Value())
	assert.Equal(t, invite.CSeq().SeqNo, cancel.CSeq().SeqNo)
	assert.Equal(t, sip.CANCEL, cancel.CSeq().MethodName)
	assert.Empty(t, cancel.Body())
}
