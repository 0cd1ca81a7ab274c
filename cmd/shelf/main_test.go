package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/shelfdb/internal/config"
)

func TestParsePeer(t *testing.T) {
	tests := []struct {
		peer    string
		id      string
		addr    string
		wantErr bool
	}{
		{peer: "node-b@10.0.0.2:3901", id: "node-b", addr: "10.0.0.2:3901"},
		{peer: "node-c@[::1]:3901", id: "node-c", addr: "[::1]:3901"},
		{peer: "10.0.0.2:3901", wantErr: true},
		{peer: "@10.0.0.2:3901", wantErr: true},
		{peer: "node-b@10.0.0.2", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.peer, func(t *testing.T) {
			id, addr, err := parsePeer(tt.peer)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, tt.addr, addr)
		})
	}
}

func TestInitLogger(t *testing.T) {
	logger, err := initLogger(config.LoggingConfig{Level: "warn", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = initLogger(config.LoggingConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}
