package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-retry-go/config"
	"github.com/glimte/mmate-retry-go/contracts"
)

func TestNewLogger(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "debug"
	logger := newLogger(cfg)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	cfg.LogLevel = "warn"
	cfg.LogFormat = "text"
	logger = newLogger(cfg)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	_, ok := logger.Handler().(*slog.TextHandler)
	assert.True(t, ok)

	cfg.LogLevel = "loud"
	logger = newLogger(cfg)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()

	t.Run("registers subcommands", func(t *testing.T) {
		var names []string
		for _, cmd := range root.Commands() {
			names = append(names, cmd.Name())
		}
		for _, want := range []string{"publish", "consume", "replay", "peek", "declare", "stats"} {
			assert.Contains(t, names, want)
		}
	})

	t.Run("validates argument count", func(t *testing.T) {
		cmd, _, err := root.Find([]string{"peek"})
		require.NoError(t, err)
		assert.Error(t, cmd.Args(cmd, []string{"base", "q"}))
		assert.NoError(t, cmd.Args(cmd, []string{"base", "q", "rk"}))
	})

	t.Run("peek flags default to the failed queue", func(t *testing.T) {
		cmd, _, err := root.Find([]string{"peek"})
		require.NoError(t, err)
		assert.Equal(t, "failed", cmd.Flag("kind").DefValue)
		assert.Equal(t, "10", cmd.Flag("limit").DefValue)
	})

	t.Run("consume flags", func(t *testing.T) {
		cmd, _, err := root.Find([]string{"consume"})
		require.NoError(t, err)
		for _, name := range []string{"fail", "fail-route", "replay", "stats"} {
			assert.NotNil(t, cmd.Flag(name), name)
		}
	})
}

func TestDemoHandler(t *testing.T) {
	a := &app{logger: slog.Default()}
	ctx := context.Background()
	message := func(routingKey string) *contracts.Message {
		return contracts.NewMessage("q", routingKey, 1, nil, []byte(`{}`))
	}

	tests := []struct {
		name       string
		fail       bool
		failRoute  string
		routingKey string
		success    bool
	}{
		{name: "accepts by default", routingKey: "order.created", success: true},
		{name: "fails everything", fail: true, routingKey: "order.created"},
		{name: "fails matching route", failRoute: "order.*", routingKey: "order.created"},
		{name: "accepts other routes", failRoute: "order.*", routingKey: "invoice.paid", success: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, err := demoHandler(a, tt.fail, tt.failRoute)
			require.NoError(t, err)

			outcome, err := handler.Handle(ctx, message(tt.routingKey))
			require.NoError(t, err)
			assert.Equal(t, tt.success, outcome.IsSuccess())
			if !tt.success {
				assert.Equal(t, "rejected on attempt 2", outcome.Message)
			}
		})
	}
}
