package ua

import (
	"context"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipua/pkg/metrics"
)

func TestNew_Validation(t *testing.T) {
	tr, eng, sched := newFakeTransport(), newFakeEngine(true), newManualScheduler()

	tests := []struct {
		name   string
		mutate func(*Config)
		tr     Transport
	}{
		{"пустой адрес прокси", func(c *Config) { c.ProxyAddress = "" }, tr},
		{"привилегированный локальный порт", func(c *Config) { c.LocalPort = 80 }, tr},
		{"неизвестный транспорт", func(c *Config) { c.Transport = "SCTP" }, tr},
		{"отрицательный срок", func(c *Config) { c.RegExpires = -1 }, tr},
		{"keep-alive без интервала", func(c *Config) {
			c.KeepAliveEnabled = true
			c.KeepAliveInterval = 0
		}, tr},
		{"нет транспорта", func(*Config) {}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			u, err := New(cfg, tt.tr, eng, sched)
			require.Error(t, err)
			assert.Nil(t, u)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestNew_WithOptions(t *testing.T) {
	store := NewStore()
	mcfg := metrics.DefaultConfig()
	mcfg.Registerer = prometheus.NewRegistry()
	collector := metrics.New(mcfg)
	u, err := New(testConfig(), newFakeTransport(), newFakeEngine(true), newManualScheduler(),
		WithStore(store), WithMetrics(collector))
	require.NoError(t, err)
	t.Cleanup(func() {
		u.Terminate()
		<-u.Done()
	})
	assert.Same(t, store, u.Store())

	_, err = New(testConfig(), newFakeTransport(), newFakeEngine(true), newManualScheduler(), WithStore(nil))
	require.Error(t, err)
}

func TestUserAgent_StrayResponseDropped(t *testing.T) {
	env := newTestEnv(t, true)
	res := sip.NewResponseFromRequest(inviteRequest("stray-1", aliceURI, ""), sip.StatusOK, "OK", nil)

	transportListener{u: env.ua}.OnResponse("unknown", res)
	transportListener{u: env.ua}.OnTimeout("unknown")
	env.sync(t)
	assert.Empty(t, env.rec.snapshot())
}

func TestUserAgent_RetransmittedFinalIgnored(t *testing.T) {
	env := newTestEnv(t, true)
	require.NoError(t, env.ua.Register(Registration{URI: aliceURI}))
	env.sync(t)
	req := env.tr.last(t, sip.REGISTER)

	env.tr.respond(req, sip.StatusOK, "OK", "")
	env.tr.respond(req, sip.StatusOK, "OK", "")
	env.sync(t)
	assert.Equal(t, []string{"online " + aliceURI}, env.rec.snapshot())
}

func TestUserAgent_KeepAlive(t *testing.T) {
	env := newTestEnv(t, true, func(c *Config) {
		c.Transport = TransportTCP
		c.PersistentConnection = true
		c.KeepAliveEnabled = true
		c.KeepAliveInterval = 15 * time.Second
	})

	task, ok := env.sched.find(15 * time.Second)
	require.True(t, ok, "keep-alive must be scheduled")
	task.task()
	task.task()
	env.sync(t)

	env.tr.mu.Lock()
	assert.Equal(t, 2, env.tr.keepAlive)
	env.tr.mu.Unlock()

	env.ua.NetworkChanged(false)
	env.sync(t)
	_, ok = env.sched.find(15 * time.Second)
	assert.False(t, ok, "keep-alive stops when the network is down")

	env.ua.NetworkChanged(true)
	env.sync(t)
	_, ok = env.sched.find(15 * time.Second)
	assert.True(t, ok)
}

func TestUserAgent_KeepAliveNeedsPersistentStream(t *testing.T) {
	env := newTestEnv(t, true, func(c *Config) {
		c.KeepAliveEnabled = true
		c.KeepAliveInterval = 15 * time.Second
	})
	assert.Zero(t, env.sched.active(), "no heartbeat over UDP")
}

func TestUserAgent_ProbeReregistersOnNewConnection(t *testing.T) {
	tr := newFakeTransport()
	tr.connAddr = "10.0.0.1:50000"
	env := newTestEnvWith(t, tr, true, func(c *Config) {
		c.Transport = TransportTCP
		c.PersistentConnection = true
		c.ConnectionProbeInterval = time.Second
	})
	env.registerOnline(t, aliceURI)
	probe, ok := env.sched.find(time.Second)
	require.True(t, ok, "probe must be scheduled")

	probe.task()
	env.sync(t)
	assert.Len(t, env.tr.sent(), 1, "first probe only remembers the address")

	tr.mu.Lock()
	tr.connAddr = "10.0.0.1:50001"
	tr.mu.Unlock()
	probe.task()
	env.sync(t)

	require.Len(t, env.tr.sent(), 2)
	req := env.tr.last(t, sip.REGISTER)
	assert.Equal(t, "3600", headerValue(req, "Expires"))
}

func TestUserAgent_NetworkUpReregisters(t *testing.T) {
	env := newTestEnv(t, true)
	env.registerOnline(t, aliceURI)

	env.ua.NetworkChanged(false)
	env.ua.NetworkChanged(true)
	env.sync(t)
	assert.Len(t, env.tr.sent(), 2)
}

func TestUserAgent_ReconfigureExpires(t *testing.T) {
	env := newTestEnv(t, true)
	env.registerOnline(t, aliceURI)

	cfg := testConfig()
	cfg.RegExpires = 300
	require.NoError(t, env.ua.Reconfigure(cfg))
	env.sync(t)

	req := env.tr.last(t, sip.REGISTER)
	assert.Equal(t, "300", headerValue(req, "Expires"))

	bad := testConfig()
	bad.ProxyAddress = ""
	assert.ErrorIs(t, env.ua.Reconfigure(bad), ErrConfiguration)
}

func TestUserAgent_Terminate(t *testing.T) {
	env := newTestEnv(t, true)
	env.registerOnline(t, aliceURI)
	call, _ := dialRinging(t, env)

	env.ua.Terminate()
	select {
	case <-env.ua.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("user agent did not stop")
	}

	assert.True(t, env.ua.Terminated())
	assert.Equal(t, StateTerminated, call.State())
	assert.Equal(t, []sip.RequestMethod{sip.REGISTER, sip.INVITE, sip.CANCEL, sip.REGISTER}, env.tr.sentMethods())
	assert.Equal(t, "0", headerValue(env.tr.last(t, sip.REGISTER), "Expires"))
	assert.Equal(t, []string{"online " + aliceURI, "terminated LOCAL_HANGUP", "ua_terminated"}, env.rec.snapshot())

	_, err := env.ua.Dial(aliceURI, bobURI)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.NoError(t, env.ua.Sync(context.Background()))
}
