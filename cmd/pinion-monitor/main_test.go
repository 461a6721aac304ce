// ABOUTME: Tests for pinion-monitor flag parsing and registration metadata
// ABOUTME: The agent itself is exercised in internal/monitor

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pinion/internal/auth"
	"github.com/2389/pinion/internal/protocol"
)

func TestParseOptions(t *testing.T) {
	t.Setenv("PINION_MASTER", "")
	t.Setenv("PINION_TOKEN", "")
	t.Setenv("PINION_JWT_SECRET", "")

	t.Run("defaults", func(t *testing.T) {
		o, err := parseOptions([]string{"--id", "connector-1"})
		require.NoError(t, err)
		assert.Equal(t, "localhost:3005", o.master)
		assert.Equal(t, "json", o.codec)
		assert.Nil(t, o.tokenFunc())
	})

	t.Run("master from env", func(t *testing.T) {
		t.Setenv("PINION_MASTER", "master:4000")
		o, err := parseOptions([]string{"--id", "connector-1"})
		require.NoError(t, err)
		assert.Equal(t, "master:4000", o.master)
	})

	errCases := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "missing id", args: nil, wantErr: "--id is required"},
		{name: "bad codec", args: []string{"--id", "a", "--codec", "xml"}, wantErr: "unknown codec"},
		{name: "token and secret", args: []string{"--id", "a", "--token", "t", "--jwt-secret", "s"}, wantErr: "mutually exclusive"},
		{name: "bad log format", args: []string{"--id", "a", "--log-format", "yaml"}, wantErr: "--log-format"},
	}
	for _, tt := range errCases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseOptions(tt.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOptionsInfo(t *testing.T) {
	o := &options{host: "10.0.0.5", port: 3150}
	info := o.info()
	assert.Equal(t, "10.0.0.5", info.Host())
	assert.Equal(t, "3150", info.Port())

	o = &options{host: "10.0.0.5"}
	_, hasPort := o.info()["port"]
	assert.False(t, hasPort)
}

func TestTokenFunc(t *testing.T) {
	reg := protocol.Register{ID: "connector-1", Type: protocol.TypeMonitor}

	t.Run("static token", func(t *testing.T) {
		o := &options{token: "static"}
		token, err := o.tokenFunc()(t.Context(), reg)
		require.NoError(t, err)
		assert.Equal(t, "static", token)
	})

	t.Run("minted from secret", func(t *testing.T) {
		secret := "0123456789abcdef0123456789abcdef"
		o := &options{jwtSecret: secret, tokenTTL: time.Minute}
		token, err := o.tokenFunc()(t.Context(), reg)
		require.NoError(t, err)

		subject, err := auth.NewJWTVerifier([]byte(secret)).Verify(token)
		require.NoError(t, err)
		assert.Equal(t, "connector-1", subject)
	})
}
