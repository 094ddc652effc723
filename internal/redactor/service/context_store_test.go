package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) (*ContextStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewContextStore(rdb, 90*time.Second, zaptest.NewLogger(t)), mr
}

func TestSaveAndFetchRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "conv-1", "PHONE_NUMBER"))

	rc := store.Fetch(ctx, "conv-1")
	require.NotNil(t, rc)
	assert.Equal(t, "PHONE_NUMBER", rc.ExpectedPIIType)
	assert.InDelta(t, float64(time.Now().Unix()), rc.Timestamp, 5)
}

func TestSaveSetsTTL(t *testing.T) {
	store, mr := newTestStore(t)
	require.NoError(t, store.Save(context.Background(), "conv-1", "SSN"))
	assert.Equal(t, 90*time.Second, mr.TTL("context:conv-1"))
}

func TestSaveOverwritesPreviousContext(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "conv-1", "PHONE_NUMBER"))
	require.NoError(t, store.Save(ctx, "conv-1", "CREDIT_CARD_NUMBER"))

	rc := store.Fetch(ctx, "conv-1")
	require.NotNil(t, rc)
	assert.Equal(t, "CREDIT_CARD_NUMBER", rc.ExpectedPIIType)
}

func TestFetchMissingContext(t *testing.T) {
	store, _ := newTestStore(t)
	assert.Nil(t, store.Fetch(context.Background(), "never-seen"))
}

func TestFetchAfterExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "conv-1", "PHONE_NUMBER"))
	mr.FastForward(91 * time.Second)

	assert.Nil(t, store.Fetch(ctx, "conv-1"))
}

func TestFetchUndecodablePayloadDegradesToNil(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Set("context:conv-1", "not json")
	assert.Nil(t, store.Fetch(context.Background(), "conv-1"))
}

func TestFetchRedisDownDegradesToNil(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()
	assert.Nil(t, store.Fetch(context.Background(), "conv-1"))
}

func TestSaveRedisDownReturnsError(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()
	assert.Error(t, store.Save(context.Background(), "conv-1", "SSN"))
}

func TestStoredPayloadShape(t *testing.T) {
	store, mr := newTestStore(t)
	require.NoError(t, store.Save(context.Background(), "conv-1", "EMAIL_ADDRESS"))

	raw, err := mr.Get("context:conv-1")
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.Equal(t, "EMAIL_ADDRESS", m["expected_pii_type"])
	assert.Contains(t, m, "timestamp")
}
