// ABOUTME: End-to-end tests of the monitor agent against a real master over an in-memory listener
// ABOUTME: Covers registration, dispatch, errors, commands, rejection, reconnect and replay after a drop

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/pinion/internal/auth"
	"github.com/2389/pinion/internal/console"
	"github.com/2389/pinion/internal/events"
	"github.com/2389/pinion/internal/master"
	"github.com/2389/pinion/internal/protocol"
	"github.com/2389/pinion/internal/transport"
)

const target = "passthrough:///bufnet"

// network lets a test swap the listener monitors dial, simulating a master
// restart, or cut the connections dialed so far.
type network struct {
	mu    sync.Mutex
	lis   *bufconn.Listener
	conns []net.Conn
}

func (n *network) set(lis *bufconn.Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lis = lis
}

func (n *network) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		n.mu.Lock()
		lis := n.lis
		n.mu.Unlock()
		conn, err := lis.DialContext(ctx)
		if err != nil {
			return nil, err
		}
		n.mu.Lock()
		n.conns = append(n.conns, conn)
		n.mu.Unlock()
		return conn, nil
	})
}

// drop closes every connection dialed so far. The master keeps running.
func (n *network) drop() {
	n.mu.Lock()
	conns := n.conns
	n.conns = nil
	n.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func startMaster(t *testing.T, nw *network, opts master.Options) *master.Agent {
	t.Helper()
	m := master.New(opts)
	lis := bufconn.Listen(1 << 20)
	nw.set(lis)
	go func() { _ = m.Serve(lis) }()
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newMonitor(t *testing.T, nw *network, opts Options) *Agent {
	t.Helper()
	opts.Transport.DialOptions = append(opts.Transport.DialOptions,
		nw.dialer(),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.Config{BaseDelay: 10 * time.Millisecond, Multiplier: 1.6, MaxDelay: 100 * time.Millisecond},
			MinConnectTimeout: time.Second,
		}),
	)
	if opts.Transport.ReconnectInterval == 0 {
		opts.Transport.ReconnectInterval = 10 * time.Millisecond
	}
	if opts.Info == nil {
		opts.Info = protocol.Info{"host": "127.0.0.1", "port": 3000}
	}
	a := New(opts)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

type echoModule struct {
	calls atomic.Int32
}

func (m *echoModule) ModuleID() string { return "echo" }

func (m *echoModule) HandleMonitor(_ context.Context, _ console.MonitorAgent, body json.RawMessage) (any, error) {
	m.calls.Add(1)
	return body, nil
}

// cutOnceModule cuts the link while handling its first call, so that
// call's response never reaches the master.
type cutOnceModule struct {
	calls atomic.Int32
	cut   func()
}

func (m *cutOnceModule) ModuleID() string { return "cut" }

func (m *cutOnceModule) HandleMonitor(_ context.Context, _ console.MonitorAgent, body json.RawMessage) (any, error) {
	if m.calls.Add(1) == 1 {
		m.cut()
	}
	return body, nil
}

type failingModule struct{}

func (failingModule) ModuleID() string { return "fail" }

func (failingModule) HandleMonitor(context.Context, console.MonitorAgent, json.RawMessage) (any, error) {
	return nil, errors.New("boom")
}

type statusModule struct {
	mu       sync.Mutex
	notified []string
}

func (m *statusModule) ModuleID() string { return "status" }

func (m *statusModule) HandleMaster(_ context.Context, _ console.MasterAgent, body json.RawMessage) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notified = append(m.notified, string(body))
	return map[string]string{"status": "seen"}, nil
}

func (m *statusModule) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notified)
}

func monitorConsole(t *testing.T, modules ...console.Module) *console.Service {
	t.Helper()
	svc := console.NewService(nil)
	for _, m := range modules {
		require.NoError(t, svc.Register(m))
	}
	return svc
}

func TestRequestReachesMonitorHandler(t *testing.T) {
	n := &network{}
	m := startMaster(t, n, master.Options{})

	echo := &echoModule{}
	mon := newMonitor(t, n, Options{ID: "connector-1", ServerType: "connector", Console: monitorConsole(t, echo)})
	require.NoError(t, mon.Connect(t.Context(), target))
	assert.Equal(t, StateRegistered, mon.State())

	body, err := m.Call(t.Context(), "connector-1", "echo", map[string]int{"x": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(body))
	assert.Equal(t, int32(1), echo.calls.Load())
}

func TestNotifyByTypeReachesOnlyThatType(t *testing.T) {
	n := &network{}
	m := startMaster(t, n, master.Options{})

	modules := map[string]*echoModule{}
	for _, peer := range []struct{ id, typ string }{
		{"connector-1", "connector"},
		{"connector-2", "connector"},
		{"area-1", "area"},
	} {
		echo := &echoModule{}
		modules[peer.id] = echo
		mon := newMonitor(t, n, Options{ID: peer.id, ServerType: peer.typ, Console: monitorConsole(t, echo)})
		require.NoError(t, mon.Connect(t.Context(), target))
	}

	require.NoError(t, m.NotifyByType("connector", "echo", map[string]int{"m": 1}))

	require.Eventually(t, func() bool {
		return modules["connector-1"].calls.Load() == 1 && modules["connector-2"].calls.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// area-1 shares the stream ordering guarantee, so a round trip proves it saw no notify
	_, err := m.Call(t.Context(), "area-1", "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), modules["area-1"].calls.Load())
}

func TestHandlerErrorReachesMaster(t *testing.T) {
	n := &network{}
	m := startMaster(t, n, master.Options{})
	mon := newMonitor(t, n, Options{ID: "area-1", ServerType: "area", Console: monitorConsole(t, failingModule{})})
	require.NoError(t, mon.Connect(t.Context(), target))

	_, err := m.Call(t.Context(), "area-1", "fail", nil)
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "boom", remote.Message)

	_, err = m.Call(t.Context(), "area-1", "missing", nil)
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "unknown module")
}

func TestMonitorToMaster(t *testing.T) {
	n := &network{}
	status := &statusModule{}
	startMaster(t, n, master.Options{Console: monitorConsole(t, status)})

	mon := newMonitor(t, n, Options{ID: "area-1", ServerType: "area"})
	require.NoError(t, mon.Connect(t.Context(), target))

	body, err := mon.Call(t.Context(), "status", map[string]string{"load": "low"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"seen"}`, string(body))

	require.NoError(t, mon.Notify("status", "ping"))
	require.Eventually(t, func() bool { return status.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, mon.PendingRequests())
}

func TestCommandTogglesMonitorModule(t *testing.T) {
	n := &network{}
	m := startMaster(t, n, master.Options{})
	svc := monitorConsole(t, &echoModule{})
	mon := newMonitor(t, n, Options{ID: "area-1", ServerType: "area", Console: svc})
	require.NoError(t, mon.Connect(t.Context(), target))

	require.NoError(t, m.NotifyCommand(console.CommandDisable, "echo", nil))
	require.Eventually(t, func() bool {
		mods := svc.Modules()
		return len(mods) == 1 && !mods[0].Enabled
	}, 2*time.Second, 5*time.Millisecond)

	_, err := m.Call(t.Context(), "area-1", "echo", nil)
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "disabled")
}

func TestRegistrationRejected(t *testing.T) {
	n := &network{}
	verifier := auth.NewJWTVerifier([]byte("secret"))
	startMaster(t, n, master.Options{Servers: verifier})

	mon := newMonitor(t, n, Options{ID: "area-1", ServerType: "area"})
	closes, _ := mon.Events().Subscribe(t.Context(), events.KindClose)

	err := mon.Connect(t.Context(), target)
	require.ErrorIs(t, err, ErrRegistrationRejected)
	assert.Equal(t, StateConnected, mon.State(), "a refused registration is not retried")

	select {
	case ev := <-closes:
		assert.ErrorIs(t, ev.Err, ErrRegistrationRejected)
	case <-time.After(time.Second):
		t.Fatal("no close event")
	}

	assert.ErrorIs(t, mon.Notify("status", nil), ErrNotRegistered)
}

func TestRegistrationWithToken(t *testing.T) {
	n := &network{}
	verifier := auth.NewJWTVerifier([]byte("secret"))
	m := startMaster(t, n, master.Options{Servers: verifier})

	mon := newMonitor(t, n, Options{ID: "area-1", ServerType: "area", Token: TokenFunc(verifier.TokenSource(time.Minute))})
	require.NoError(t, mon.Connect(t.Context(), target))
	assert.Equal(t, []string{"area-1"}, m.ServerIDs())
}

func TestTokenErrorFailsConnect(t *testing.T) {
	n := &network{}
	m := startMaster(t, n, master.Options{})
	var attempts atomic.Int32
	mon := newMonitor(t, n, Options{ID: "area-1", Token: func(context.Context, protocol.Register) (string, error) {
		if attempts.Add(1) == 1 {
			return "", errors.New("vault sealed")
		}
		return "", nil
	}})

	err := mon.Connect(t.Context(), target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault sealed")
	assert.Equal(t, StateInited, mon.State())

	require.NoError(t, mon.Connect(t.Context(), target))
	assert.Equal(t, StateRegistered, mon.State())
	assert.Equal(t, []string{"area-1"}, m.ServerIDs())
}

func TestConnectTimeoutAllowsRetry(t *testing.T) {
	n := &network{}
	var attempts atomic.Int32
	slowFirst := auth.ServerAuthFunc(func(ctx context.Context, _ protocol.Register) error {
		if attempts.Add(1) > 1 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return errors.New("first registration held too long")
		}
	})
	m := startMaster(t, n, master.Options{Servers: slowFirst})
	mon := newMonitor(t, n, Options{ID: "area-1", ServerType: "area"})
	closed, _ := mon.Events().Subscribe(t.Context(), events.KindClose)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	err := mon.Connect(ctx, target)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateInited, mon.State())

	require.NoError(t, mon.Connect(t.Context(), target))
	assert.Equal(t, StateRegistered, mon.State())
	require.Eventually(t, func() bool {
		ids := m.ServerIDs()
		return len(ids) == 1 && ids[0] == "area-1"
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case ev := <-closed:
		t.Fatalf("abandoned connection closed the agent: %v", ev.Err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, StateRegistered, mon.State())
}

func TestReconnectAfterMasterRestart(t *testing.T) {
	n := &network{}
	first := master.New(master.Options{})
	lis := bufconn.Listen(1 << 20)
	n.set(lis)
	go func() { _ = first.Serve(lis) }()

	echo := &echoModule{}
	mon := newMonitor(t, n, Options{ID: "area-1", ServerType: "area", Console: monitorConsole(t, echo)})
	reconnects, _ := mon.Events().Subscribe(t.Context(), events.KindReconnect)
	require.NoError(t, mon.Connect(t.Context(), target))

	require.NoError(t, first.Close())
	second := startMaster(t, n, master.Options{})

	select {
	case <-reconnects:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not reconnect")
	}
	assert.Equal(t, StateRegistered, mon.State())

	body, err := second.Call(t.Context(), "area-1", "echo", "again")
	require.NoError(t, err)
	assert.JSONEq(t, `"again"`, string(body))
}

func TestUnansweredRequestReplayedAfterDrop(t *testing.T) {
	n := &network{}
	m := startMaster(t, n, master.Options{})

	mod := &cutOnceModule{cut: n.drop}
	mon := newMonitor(t, n, Options{
		ID:               "area-1",
		ServerType:       "area",
		Console:          monitorConsole(t, mod),
		ReconnectRetries: 50,
	})
	reconnects, _ := mon.Events().Subscribe(t.Context(), events.KindReconnect)
	require.NoError(t, mon.Connect(t.Context(), target))

	var callbacks atomic.Int32
	answered := make(chan json.RawMessage, 2)
	require.NoError(t, m.Request("area-1", "cut", "payload", func(body json.RawMessage, err error) {
		callbacks.Add(1)
		assert.NoError(t, err)
		answered <- body
	}))

	select {
	case <-reconnects:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not reconnect")
	}

	select {
	case body := <-answered:
		assert.JSONEq(t, `"payload"`, string(body))
	case <-time.After(5 * time.Second):
		t.Fatal("request was not answered after reconnect")
	}

	// A late duplicate answer would arrive here.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), callbacks.Load())
	assert.Equal(t, int32(2), mod.calls.Load())
	assert.Equal(t, 0, m.PendingRequests())
	assert.Equal(t, StateRegistered, mon.State())
}

func TestLifecycleErrors(t *testing.T) {
	n := &network{}
	startMaster(t, n, master.Options{})
	mon := newMonitor(t, n, Options{ID: "area-1"})

	assert.ErrorIs(t, mon.Request("status", nil, nil), ErrNotRegistered)

	require.NoError(t, mon.Connect(t.Context(), target))
	assert.ErrorIs(t, mon.Connect(t.Context(), target), ErrAlreadyConnected)

	require.NoError(t, mon.Close())
	require.NoError(t, mon.Close())
	assert.Equal(t, StateClosed, mon.State())
	assert.ErrorIs(t, mon.Notify("status", nil), ErrClosed)
	assert.ErrorIs(t, mon.Connect(t.Context(), target), ErrClosed)
}

func TestConnectFailsWithoutMaster(t *testing.T) {
	n := &network{}
	lis := bufconn.Listen(1 << 20)
	n.set(lis)
	require.NoError(t, lis.Close())

	mon := newMonitor(t, n, Options{ID: "area-1", Transport: transport.ClientOptions{ReconnectInterval: time.Millisecond}})
	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()

	require.Error(t, mon.Connect(ctx, target))
	assert.Equal(t, StateInited, mon.State())
}
