package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiot/watch/internal/xiot/service"
	"github.com/xiot/watch/internal/xiot/store"
	"github.com/xiot/watch/internal/xiot/types"
)

func TestCleanup_RemovesEverythingOfDevice(t *testing.T) {
	e := newEnv(t, 1000)
	c := service.NewCleanup(e.deleter, e.logger)

	for _, ts := range []int64{1, 2, 3} {
		e.ping(t, "AA:BB", ts)
	}
	e.ping(t, "CC:DD", 1)
	e.push(t, types.CategoryLog, store.Fields{types.FieldMAC: "AA:BB", types.FieldMessage: "a"})
	e.push(t, types.CategoryLog, store.Fields{types.FieldMAC: "AA:BB", types.FieldMessage: "b"})
	e.push(t, types.CategoryLog, store.Fields{types.FieldMAC: "CC:DD", types.FieldMessage: "c"})
	e.push(t, types.CategoryAlert, store.Fields{types.FieldMAC: "AA:BB", types.FieldMessage: "offline"})

	n, err := c.Run(context.Background(), "AA:BB")
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	assert.Equal(t, 1, e.count(t, types.CategoryHeartbeat))
	assert.Equal(t, 1, e.count(t, types.CategoryLog))
	assert.Zero(t, e.count(t, types.CategoryAlert))
}

func TestCleanup_NoBatchCap(t *testing.T) {
	e := newEnv(t, 1000)
	c := service.NewCleanup(e.deleter, e.logger)

	updates := make(map[string]store.Fields, 2500)
	for i := 0; i < 2500; i++ {
		key, err := store.NewKey()
		require.NoError(t, err)
		updates[key] = store.Fields{types.FieldMAC: "AA"}
	}
	require.NoError(t, e.store.Update(context.Background(), types.CategoryLog, updates))

	n, err := c.Run(context.Background(), "AA")
	require.NoError(t, err)
	assert.Equal(t, 2500, n)
}

func TestCleanup_BlankMAC(t *testing.T) {
	e := newEnv(t, 1000)
	c := service.NewCleanup(e.deleter, e.logger)

	_, err := c.Run(context.Background(), "  ")
	assert.ErrorIs(t, err, service.ErrInvalidMAC)
}
