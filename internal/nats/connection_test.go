package nats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultConnectionConfig(t *testing.T) {
	cfg := DefaultConnectionConfig("nats://localhost:4222")

	assert.Equal(t, "nats://localhost:4222", cfg.URL)
	assert.Equal(t, "hydra-splitjoin", cfg.Name)
	assert.Equal(t, 10, cfg.MaxReconnects)
	assert.Equal(t, 2*time.Second, cfg.ReconnectWait)
}

func TestOptions_Authentication(t *testing.T) {
	base := DefaultConnectionConfig("nats://localhost:4222")
	plain := len(Options(base, nil))

	withToken := *base
	withToken.Token = "secret"
	assert.Len(t, Options(&withToken, zap.NewNop()), plain+1)

	withUser := *base
	withUser.Username = "hydra"
	withUser.Password = "pw"
	assert.Len(t, Options(&withUser, nil), plain+1)

	userOnly := *base
	userOnly.Username = "hydra"
	assert.Len(t, Options(&userOnly, nil), plain, "a username without password is ignored")
}

func TestConnect_Validation(t *testing.T) {
	_, err := Connect(context.Background(), nil, nil)
	assert.Error(t, err)

	_, err = Connect(context.Background(), DefaultConnectionConfig(""), nil)
	assert.Error(t, err)
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := DefaultConnectionConfig("nats://127.0.0.1:1")
	cfg.Timeout = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Connect(ctx, cfg, nil)
	require.Error(t, err)
}

func TestCloseAndIsConnected_Nil(t *testing.T) {
	assert.NoError(t, Close(nil))
	assert.False(t, IsConnected(nil))
}
