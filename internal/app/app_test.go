package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduintbd/eod-sub000/internal/config"
	"github.com/eduintbd/eod-sub000/internal/store"
)

func TestNew_InMemory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), &config.Config{TradeBatchSize: 10, MarginBatchSize: 10, MaxBatchIterations: 5}, logger, nil, true)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &store.MemoryStore{}, a.Store)
	assert.Nil(t, a.Pool)
	assert.NotNil(t, a.Trades)
	assert.NotNil(t, a.Margin)
	assert.NotNil(t, a.Classifier)
	assert.NotNil(t, a.Ledger)

	res, err := a.Trades.Drain(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, res.Exhausted)
}

func TestNew_BadDatabaseURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := New(context.Background(), &config.Config{DatabaseURL: "://not-a-url"}, logger, nil, false)
	assert.Error(t, err)
}
