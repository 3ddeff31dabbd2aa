package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/store"
	"github.com/warp/stock-ledger/store/storetest"
)

func TestMemory_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.TxStore { return store.NewMemory() })
}

func TestMemory_CanceledContextAbortsUnit(t *testing.T) {
	m := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := m.WithTx(ctx, func(ledger.Store) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ledger.ErrTransactionAborted)
	assert.False(t, called)
}

func TestMemory_ListsAreCopies(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.InsertProduct(ctx, ledger.Product{ID: "p-1", Name: "Widget", Active: true}))

	list, err := m.ListProducts(ctx)
	require.NoError(t, err)
	list[0].Stock = 99

	p, err := m.FindProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Stock)
}
