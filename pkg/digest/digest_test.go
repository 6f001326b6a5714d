package digest_test

import (
	"errors"
	"testing"

	icholy "github.com/icholy/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipua/pkg/digest"
)

// Вектор из RFC 2069 (тот же расчет, что RFC 2617 без qop)
func TestCompute_RFCVector(t *testing.T) {
	resp, err := digest.Compute("Mufasa", "CircleOfLife", "testrealm@host.com",
		"GET", "/dir/index.html", "dcd98b7102dd2f0e8b11d0f600bfb0c093", "MD5")
	require.NoError(t, err)
	assert.Equal(t, "1949323746fe6a43ef61f9606e7febea", resp)
}

func TestCompute_Algorithms(t *testing.T) {
	tests := []struct {
		name      string
		algorithm string
		want      string
	}{
		{"empty defaults to MD5", "", "1949323746fe6a43ef61f9606e7febea"},
		{"lower case md5", "md5", "1949323746fe6a43ef61f9606e7febea"},
		{"SHA-256", "SHA-256", "89381827616a396139e299fae10b3a81aaa7bb9e04bee0dcb56ca48dd58af998"},
		{"SHA-512-256", "SHA-512-256", "caf7e6767974e09ca11296d4408466401f8bd64cb5df918d5c0085e08065ea25"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := digest.Compute("Mufasa", "CircleOfLife", "testrealm@host.com",
				"GET", "/dir/index.html", "dcd98b7102dd2f0e8b11d0f600bfb0c093", tt.algorithm)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp)
		})
	}
}

func TestCompute_MethodIsUppercased(t *testing.T) {
	lower, err := digest.Compute("alice", "secret", "example.com", "register", "sip:example.com", "abc123", "MD5")
	require.NoError(t, err)
	upper, err := digest.Compute("alice", "secret", "example.com", "REGISTER", "sip:example.com", "abc123", "MD5")
	require.NoError(t, err)

	assert.Equal(t, upper, lower)
	assert.Equal(t, "d1d211daa2e0d7f43de25792410f5057", upper)
}

func TestCompute_UnsupportedAlgorithm(t *testing.T) {
	_, err := digest.Compute("alice", "secret", "example.com", "REGISTER", "sip:example.com", "abc123", "MD4")
	require.Error(t, err)
	assert.True(t, errors.Is(err, digest.ErrUnsupportedAlgorithm), "Should be ErrUnsupportedAlgorithm")
}

func TestAuthorize_HeaderFields(t *testing.T) {
	chal, err := digest.ParseChallenge(`Digest realm="example.com", nonce="abc123", opaque="op4que", algorithm=MD5`)
	require.NoError(t, err)
	assert.Equal(t, "example.com", chal.Realm)
	assert.Equal(t, "abc123", chal.Nonce)

	value, err := digest.Authorize(chal, digest.Credentials{Username: "alice", Password: "secret"},
		"REGISTER", "sip:example.com")
	require.NoError(t, err)
	assert.NotContains(t, value, "qop=")
	assert.NotContains(t, value, "cnonce=")

	cred, err := icholy.ParseCredentials(value)
	require.NoError(t, err)
	assert.Equal(t, "alice", cred.Username)
	assert.Equal(t, "example.com", cred.Realm)
	assert.Equal(t, "abc123", cred.Nonce)
	assert.Equal(t, "sip:example.com", cred.URI)
	assert.Equal(t, "op4que", cred.Opaque)
	assert.Equal(t, "MD5", cred.Algorithm)
	assert.Equal(t, "d1d211daa2e0d7f43de25792410f5057", cred.Response)
}

func TestAuthorize_RealmOverride(t *testing.T) {
	chal := digest.Challenge{Realm: "proxy.example.com", Nonce: "abc123"}

	value, err := digest.Authorize(chal,
		digest.Credentials{Username: "alice", Password: "secret", Realm: "example.com"},
		"REGISTER", "sip:example.com")
	require.NoError(t, err)

	cred, err := icholy.ParseCredentials(value)
	require.NoError(t, err)
	assert.Equal(t, "example.com", cred.Realm)
	assert.Equal(t, "d1d211daa2e0d7f43de25792410f5057", cred.Response)
}

func TestAuthorize_UnsupportedAlgorithm(t *testing.T) {
	_, err := digest.Authorize(digest.Challenge{Realm: "r", Nonce: "n", Algorithm: "SHA-1"},
		digest.Credentials{Username: "u", Password: "p"}, "REGISTER", "sip:r")
	assert.ErrorIs(t, err, digest.ErrUnsupportedAlgorithm)
}
