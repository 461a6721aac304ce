// ABOUTME: Tests for the operator client against a real master over an in-memory listener
// ABOUTME: Covers registration, stamping, commands, pushed notifies and session loss

package client

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/pinion/internal/auth"
	"github.com/2389/pinion/internal/console"
	"github.com/2389/pinion/internal/correlation"
	"github.com/2389/pinion/internal/events"
	"github.com/2389/pinion/internal/master"
	"github.com/2389/pinion/internal/transport"
)

const target = "passthrough:///bufnet"

// mirror answers client requests with the body it received.
type mirror struct{}

func (mirror) ModuleID() string { return "mirror" }

func (mirror) HandleClient(_ context.Context, _ console.MasterAgent, body json.RawMessage) (any, error) {
	return body, nil
}

// hold answers only when release is closed.
type hold struct {
	release chan struct{}
}

func (hold) ModuleID() string { return "hold" }

func (h hold) HandleClient(ctx context.Context, _ console.MasterAgent, _ json.RawMessage) (any, error) {
	select {
	case <-h.release:
	case <-ctx.Done():
	}
	return nil, nil
}

func startMaster(t *testing.T, opts master.Options) (*master.Agent, *bufconn.Listener) {
	t.Helper()
	if opts.Console == nil {
		opts.Console = console.NewService(nil)
		require.NoError(t, opts.Console.Register(mirror{}))
	}
	m := master.New(opts)
	lis := bufconn.Listen(1 << 20)
	go func() { _ = m.Serve(lis) }()
	t.Cleanup(func() { _ = m.Close() })
	return m, lis
}

func newClient(t *testing.T, lis *bufconn.Listener, opts Options) *Client {
	t.Helper()
	opts.Transport.DialOptions = append(opts.Transport.DialOptions,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if opts.Username == "" {
		opts.Username = "admin"
	}
	c := New(opts)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCallStampsBody(t *testing.T) {
	_, lis := startMaster(t, master.Options{})
	c := newClient(t, lis, Options{ID: "ops-1"})
	require.NoError(t, c.Connect(t.Context(), target))
	assert.Equal(t, StateRegistered, c.State())

	body, err := c.Call(t.Context(), "mirror", map[string]string{"serverId": "area-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"serverId":"area-1","clientId":"ops-1","username":"admin"}`, string(body))

	body, err = c.Call(t.Context(), "mirror", []int{1, 2})
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(body), "non-object bodies are not stamped")
	assert.Zero(t, c.PendingRequests())
}

func TestCommandList(t *testing.T) {
	_, lis := startMaster(t, master.Options{})
	c := newClient(t, lis, Options{})
	require.NoError(t, c.Connect(t.Context(), target))

	body, err := c.CallCommand(t.Context(), console.CommandList, "", nil)
	require.NoError(t, err)
	var mods []console.ModuleStatus
	require.NoError(t, json.Unmarshal(body, &mods))
	assert.Equal(t, []console.ModuleStatus{{ModuleID: "mirror", Enabled: true}}, mods)

	_, err = c.CallCommand(t.Context(), "reboot", "", nil)
	assert.ErrorContains(t, err, "unknown command")

	results := make(chan error, 1)
	require.NoError(t, c.Command(console.CommandDisable, "mirror", nil, func(_ json.RawMessage, err error) { results <- err }))
	select {
	case err := <-results:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("no command response")
	}

	_, err = c.Call(t.Context(), "mirror", nil)
	assert.ErrorContains(t, err, "disabled")
}

func TestRegistrationRejected(t *testing.T) {
	t.Run("bad credentials", func(t *testing.T) {
		_, lis := startMaster(t, master.Options{Users: auth.UserAuthFunc(func(context.Context, string, string) (*auth.User, error) {
			return nil, auth.ErrInvalidCredentials
		})})
		c := newClient(t, lis, Options{Password: "wrong"})

		err := c.Connect(t.Context(), target)
		require.ErrorIs(t, err, ErrRegistrationRejected)
		assert.ErrorContains(t, err, "username or password")
		assert.Equal(t, StateClosed, c.State())
	})

	t.Run("id already registered", func(t *testing.T) {
		_, lis := startMaster(t, master.Options{})
		first := newClient(t, lis, Options{ID: "ops-1"})
		require.NoError(t, first.Connect(t.Context(), target))

		second := newClient(t, lis, Options{ID: "ops-1"})
		err := second.Connect(t.Context(), target)
		require.ErrorIs(t, err, ErrRegistrationRejected)
		assert.Equal(t, StateRegistered, first.State())
	})
}

func TestPushedNotify(t *testing.T) {
	m, lis := startMaster(t, master.Options{})
	c := newClient(t, lis, Options{ID: "ops-1"})
	notifies, _ := c.Events().Subscribe(t.Context(), events.KindNotify)
	require.NoError(t, c.Connect(t.Context(), target))

	require.NoError(t, m.NotifyClient("ops-1", "nodeInfo", map[string]int{"servers": 3}))

	select {
	case ev := <-notifies:
		assert.Equal(t, "nodeInfo", ev.ModuleID)
		assert.JSONEq(t, `{"servers":3}`, string(ev.Body))
	case <-time.After(time.Second):
		t.Fatal("no notify event")
	}
}

func TestMasterCloseEndsSession(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	svc := console.NewService(nil)
	require.NoError(t, svc.Register(hold{release: release}))
	m, lis := startMaster(t, master.Options{Console: svc})

	c := newClient(t, lis, Options{})
	closes, _ := c.Events().Subscribe(t.Context(), events.KindClose)
	require.NoError(t, c.Connect(t.Context(), target))

	results := make(chan error, 1)
	require.NoError(t, c.Request("hold", nil, func(_ json.RawMessage, err error) { results <- err }))

	go func() { _ = m.Close() }()

	select {
	case err := <-results:
		assert.ErrorIs(t, err, correlation.ErrConnectionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request not failed")
	}
	select {
	case <-closes:
	case <-time.After(5 * time.Second):
		t.Fatal("no close event")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Notify("mirror", nil), ErrClosed)
}

func TestNotRegistered(t *testing.T) {
	c := New(Options{Username: "admin", Transport: transport.ClientOptions{}})
	assert.ErrorIs(t, c.Request("mirror", nil, nil), ErrNotRegistered)
	assert.NotEmpty(t, c.ID())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Connect(t.Context(), target), ErrClosed)
}
