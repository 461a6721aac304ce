// ABOUTME: Tests for envelope composition and parsing
// ABOUTME: Covers request/notify distinction, response suppression for notifies and Info comparison

package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeRequest(t *testing.T) {
	t.Run("request carries id", func(t *testing.T) {
		f, err := ComposeRequest(7, "nodeInfo", map[string]any{"a": 1})
		require.NoError(t, err)
		assert.True(t, IsRequest(f))
		assert.Equal(t, uint64(7), f.ID)
		assert.JSONEq(t, `{"a":1}`, string(f.Body))
	})

	t.Run("zero id is a notify", func(t *testing.T) {
		f, err := ComposeRequest(0, "nodeInfo", nil)
		require.NoError(t, err)
		assert.False(t, IsRequest(f))
		assert.Nil(t, f.Body)
	})

	t.Run("unencodable body", func(t *testing.T) {
		_, err := ComposeRequest(1, "m", make(chan int))
		assert.Error(t, err)
	})
}

func TestComposeResponse(t *testing.T) {
	req, err := ComposeRequest(3, "m", nil)
	require.NoError(t, err)

	t.Run("success", func(t *testing.T) {
		resp := ComposeResponse(req, nil, "pong")
		require.NotNil(t, resp)
		assert.Equal(t, uint64(3), resp.RespID)
		assert.Empty(t, resp.Error)
		assert.JSONEq(t, `"pong"`, string(resp.Body))
		assert.True(t, IsResponse(*resp))
	})

	t.Run("error", func(t *testing.T) {
		resp := ComposeResponse(req, errors.New("boom"), nil)
		require.NotNil(t, resp)
		var remote *RemoteError
		require.ErrorAs(t, resp.Err(), &remote)
		assert.Equal(t, "boom", remote.Message)
	})

	t.Run("notify yields no response", func(t *testing.T) {
		notify, err := ComposeRequest(0, "m", nil)
		require.NoError(t, err)
		assert.Nil(t, ComposeResponse(notify, nil, "ignored"))
	})
}

func TestParse(t *testing.T) {
	orig, err := ComposeCommand(9, "enable", "nodeInfo", map[string]string{"k": "v"})
	require.NoError(t, err)

	data, err := json.Marshal(orig)
	require.NoError(t, err)

	for name, input := range map[string]any{
		"bytes":  data,
		"raw":    json.RawMessage(data),
		"string": string(data),
		"frame":  orig,
		"ptr":    &orig,
	} {
		t.Run(name, func(t *testing.T) {
			got, err := Parse(input)
			require.NoError(t, err)
			assert.Equal(t, orig.ID, got.ID)
			assert.Equal(t, orig.Command, got.Command)
			assert.Equal(t, orig.ModuleID, got.ModuleID)
			assert.JSONEq(t, string(orig.Body), string(got.Body))
		})
	}

	t.Run("garbage", func(t *testing.T) {
		_, err := Parse("{not json")
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("unsupported type", func(t *testing.T) {
		_, err := Parse(42)
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})
}

func TestSameServer(t *testing.T) {
	tests := []struct {
		name string
		a, b Info
		want bool
	}{
		{"equal", Info{"host": "10.0.0.1", "port": 3005}, Info{"host": "10.0.0.1", "port": 3005}, true},
		{"numeric port after decode", Info{"host": "h", "port": 3005}, Info{"host": "h", "port": float64(3005)}, true},
		{"different port", Info{"host": "h", "port": 1}, Info{"host": "h", "port": 2}, false},
		{"both empty", Info{}, nil, true},
		{"extra fields ignored", Info{"host": "h", "port": 1, "x": 1}, Info{"host": "h", "port": 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SameServer(tt.a, tt.b))
		})
	}
}

func TestRegisterRole(t *testing.T) {
	assert.Equal(t, RoleMonitor, Register{Type: TypeMonitor}.Role())
	assert.Equal(t, RoleClient, Register{Type: TypeClient}.Role())
	assert.Equal(t, RoleUnknown, Register{Type: "bogus"}.Role())
	assert.True(t, AckOK().OK())
	assert.False(t, AckFail("nope %d", 1).OK())
}
