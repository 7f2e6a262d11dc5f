package server_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/momentics/hioload-transport/api"
	"github.com/momentics/hioload-transport/server"
)

func TestHandlerChainOrder(t *testing.T) {
	var trail []string
	mark := func(name string) server.Middleware {
		return func(next server.Handler) server.Handler {
			return server.HandlerFunc(func(c api.Connection) error {
				trail = append(trail, name)
				return next.ServeConn(c)
			})
		}
	}
	h := server.NewHandlerChain(server.HandlerFunc(func(api.Connection) error {
		trail = append(trail, "handler")
		return nil
	}), mark("outer"), mark("inner"))

	assert.NoError(t, h.ServeConn(nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, trail)
}

func TestNewRejectsBadEndpoint(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.Endpoint = "no-port"
	_, err := server.New(cfg)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestShutdownBeforeServe(t *testing.T) {
	s, err := server.New(nil)
	assert.NoError(t, err)
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.Serve(t.Context(), nil), server.ErrServerClosed)
}
