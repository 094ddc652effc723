package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iyngr/context-based-pii/internal/aggregator/store"
	"github.com/iyngr/context-based-pii/pkg/retry"
)

// ── fakes ─────────────────────────────────────────────────────────────────

// fakeStore is an in-memory Store with the same idempotency semantics as the
// Postgres implementation.
type fakeStore struct {
	mu         sync.Mutex
	utterances map[string]map[int]store.Utterance
	roots      map[string]*store.ConversationRoot

	upsertErr  error
	deleteErr  error
	deleted    []string
	upsertFail int // fail this many upserts before succeeding
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		utterances: make(map[string]map[int]store.Utterance),
		roots:      make(map[string]*store.ConversationRoot),
	}
}

func (f *fakeStore) UpsertUtterance(ctx context.Context, u store.Utterance, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.upsertFail > 0 {
		f.upsertFail--
		return false, errors.New("store temporarily down")
	}
	if f.upsertErr != nil {
		return false, f.upsertErr
	}

	conv, ok := f.utterances[u.ConversationID]
	if !ok {
		conv = make(map[int]store.Utterance)
		f.utterances[u.ConversationID] = conv
	}
	_, existed := conv[u.OriginalEntryIndex]
	conv[u.OriginalEntryIndex] = u

	root, ok := f.roots[u.ConversationID]
	if !ok {
		root = &store.ConversationRoot{ConversationID: u.ConversationID}
		f.roots[u.ConversationID] = root
	}
	if !existed {
		root.UtteranceCount++
	}
	if u.StartTimestampUsec > root.LastUtteranceTimestamp {
		root.LastUtteranceTimestamp = u.StartTimestampUsec
	}
	root.ExpireAt = time.Now().Add(ttl)
	return !existed, nil
}

func (f *fakeStore) GetRoot(ctx context.Context, id string) (*store.ConversationRoot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	root, ok := f.roots[id]
	if !ok {
		return nil, nil
	}
	cp := *root
	return &cp, nil
}

func (f *fakeStore) ListUtterances(ctx context.Context, id string) ([]store.Utterance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv := f.utterances[id]
	out := make([]store.Utterance, 0, len(conv))
	for i := 0; i < 1000; i++ {
		if u, ok := conv[i]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteConversation(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.utterances, id)
	delete(f.roots, id)
	f.deleted = append(f.deleted, id)
	return nil
}

var _ store.Store = (*fakeStore)(nil)

type fakeBlobs struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	failLeft int
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (f *fakeBlobs) WriteObject(ctx context.Context, name, contentType string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLeft > 0 {
		f.failLeft--
		return errors.New("bucket unavailable")
	}
	f.objects[name] = data
	f.types[name] = contentType
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────

func fastOpts() Options {
	return Options{
		ContextTTL:       90 * time.Second,
		PollingInterval:  time.Millisecond,
		MaxPollAttempts:  3,
		AggregationDelay: time.Millisecond,
		Retry: retry.Policy{
			Attempts: 3,
			Base:     time.Millisecond,
			Factor:   2,
			Cap:      5 * time.Millisecond,
		},
	}
}

func newService(t *testing.T, st store.Store, blobs *fakeBlobs) *AggregatorService {
	t.Helper()
	return NewAggregatorService(st, blobs, nil, fastOpts(), zaptest.NewLogger(t))
}

func utterance(id string, index int, text string) UtteranceEvent {
	return UtteranceEvent{
		ConversationID:     id,
		OriginalEntryIndex: index,
		ParticipantRole:    "END_USER",
		Text:               text,
		UserID:             "u-1",
		StartTimestampUsec: int64(1700000000000000 + index),
	}
}

func intPtr(n int) *int { return &n }

// ── ingest ────────────────────────────────────────────────────────────────

func TestIngestStoresAndCounts(t *testing.T) {
	st := newFakeStore()
	svc := newService(t, st, newFakeBlobs())
	ctx := context.Background()

	require.NoError(t, svc.Ingest(ctx, utterance("c-1", 0, "hello")))
	require.NoError(t, svc.Ingest(ctx, utterance("c-1", 1, "world")))

	root, err := st.GetRoot(ctx, "c-1")
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.Equal(t, 2, root.UtteranceCount)
}

func TestIngestRedeliveryDoesNotInflateCount(t *testing.T) {
	st := newFakeStore()
	svc := newService(t, st, newFakeBlobs())
	ctx := context.Background()

	require.NoError(t, svc.Ingest(ctx, utterance("c-1", 0, "hello")))
	require.NoError(t, svc.Ingest(ctx, utterance("c-1", 0, "hello (redelivered)")))

	root, err := st.GetRoot(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 1, root.UtteranceCount)

	utts, err := st.ListUtterances(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, utts, 1)
	assert.Equal(t, "hello (redelivered)", utts[0].Text, "redelivery overwrites the row")
}

func TestIngestRetriesTransientStoreFailure(t *testing.T) {
	st := newFakeStore()
	st.upsertFail = 2
	svc := newService(t, st, newFakeBlobs())

	require.NoError(t, svc.Ingest(context.Background(), utterance("c-1", 0, "hello")))
	root, _ := st.GetRoot(context.Background(), "c-1")
	require.NotNil(t, root)
}

func TestIngestRejectsBadEvents(t *testing.T) {
	svc := newService(t, newFakeStore(), newFakeBlobs())
	ctx := context.Background()

	err := svc.Ingest(ctx, UtteranceEvent{OriginalEntryIndex: 0})
	assert.ErrorIs(t, err, ErrBadEvent)

	err = svc.Ingest(ctx, UtteranceEvent{ConversationID: "c-1", OriginalEntryIndex: -1})
	assert.ErrorIs(t, err, ErrBadEvent)
}

func TestIngestRejectsIncompleteUtterances(t *testing.T) {
	st := newFakeStore()
	svc := newService(t, st, newFakeBlobs())
	ctx := context.Background()

	cases := map[string]UtteranceEvent{
		"no role": {
			ConversationID:     "c-1",
			Text:               "hello",
			StartTimestampUsec: 1700000000000000,
		},
		"no text": {
			ConversationID:     "c-1",
			ParticipantRole:    "END_USER",
			StartTimestampUsec: 1700000000000000,
		},
		"no timestamp": {
			ConversationID:  "c-1",
			ParticipantRole: "END_USER",
			Text:            "hello",
		},
		"conversation id alone": {
			ConversationID: "c-1",
		},
	}
	for name, ev := range cases {
		err := svc.Ingest(ctx, ev)
		assert.ErrorIs(t, err, ErrBadEvent, name)
	}

	utts, err := st.ListUtterances(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, utts, "incomplete utterances must never be persisted")
	root, err := st.GetRoot(ctx, "c-1")
	require.NoError(t, err)
	assert.Nil(t, root)
}

// ── close ─────────────────────────────────────────────────────────────────

func TestCloseIgnoresOtherLifecycleEvents(t *testing.T) {
	svc := newService(t, newFakeStore(), newFakeBlobs())

	outcome, err := svc.Close(context.Background(), LifecycleEvent{
		ConversationID: "c-1",
		EventType:      "conversation_started",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestCloseWritesOrderedArtifactAndDeletes(t *testing.T) {
	st := newFakeStore()
	blobs := newFakeBlobs()
	svc := newService(t, st, blobs)
	ctx := context.Background()

	// Arrive out of order; the artifact must follow the entry index.
	require.NoError(t, svc.Ingest(ctx, utterance("c-1", 1, "second")))
	require.NoError(t, svc.Ingest(ctx, utterance("c-1", 0, "first")))

	outcome, err := svc.Close(ctx, LifecycleEvent{
		ConversationID:      "c-1",
		EventType:           "conversation_ended",
		TotalUtteranceCount: intPtr(2),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAggregated, outcome)

	raw, ok := blobs.objects["c-1_transcript.json"]
	require.True(t, ok)
	assert.Equal(t, "application/json", blobs.types["c-1_transcript.json"])

	var doc struct {
		Entries []struct {
			Text   string `json:"text"`
			Role   string `json:"role"`
			UserID string `json:"user_id"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc.Entries, 2)
	assert.Equal(t, "first", doc.Entries[0].Text)
	assert.Equal(t, "second", doc.Entries[1].Text)
	assert.Equal(t, "END_USER", doc.Entries[0].Role)
	assert.Equal(t, "u-1", doc.Entries[0].UserID)

	assert.Equal(t, []string{"c-1"}, st.deleted)
	utts, _ := st.ListUtterances(ctx, "c-1")
	assert.Empty(t, utts)
}

func TestCloseArtifactDefaultsMissingUserID(t *testing.T) {
	st := newFakeStore()
	blobs := newFakeBlobs()
	svc := newService(t, st, blobs)
	ctx := context.Background()

	ev := utterance("c-1", 0, "hello")
	ev.UserID = ""
	require.NoError(t, svc.Ingest(ctx, ev))

	outcome, err := svc.Close(ctx, LifecycleEvent{
		ConversationID:      "c-1",
		EventType:           "conversation_ended",
		TotalUtteranceCount: intPtr(1),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAggregated, outcome)

	var doc artifact
	require.NoError(t, json.Unmarshal(blobs.objects["c-1_transcript.json"], &doc))
	require.Len(t, doc.Entries, 1)
	assert.Equal(t, "default_user", doc.Entries[0].UserID)
}

func TestCloseZeroCountSkips(t *testing.T) {
	blobs := newFakeBlobs()
	svc := newService(t, newFakeStore(), blobs)

	outcome, err := svc.Close(context.Background(), LifecycleEvent{
		ConversationID:      "c-1",
		EventType:           "conversation_ended",
		TotalUtteranceCount: intPtr(0),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Empty(t, blobs.objects)
}

func TestCloseNoRowsSkips(t *testing.T) {
	blobs := newFakeBlobs()
	svc := newService(t, newFakeStore(), blobs)

	outcome, err := svc.Close(context.Background(), LifecycleEvent{
		ConversationID: "ghost",
		EventType:      "conversation_ended",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Empty(t, blobs.objects)
}

func TestClosePartialUtterancesProceedsAfterPollBudget(t *testing.T) {
	st := newFakeStore()
	blobs := newFakeBlobs()
	svc := newService(t, st, blobs)
	ctx := context.Background()

	// Only one of three expected utterances arrived.
	require.NoError(t, svc.Ingest(ctx, utterance("c-1", 0, "only one")))

	outcome, err := svc.Close(ctx, LifecycleEvent{
		ConversationID:      "c-1",
		EventType:           "conversation_ended",
		TotalUtteranceCount: intPtr(3),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAggregated, outcome)

	var doc artifact
	require.NoError(t, json.Unmarshal(blobs.objects["c-1_transcript.json"], &doc))
	assert.Len(t, doc.Entries, 1, "partial transcript is written rather than lost")
}

func TestClosePollsUntilCountSettles(t *testing.T) {
	st := newFakeStore()
	blobs := newFakeBlobs()
	svc := newService(t, st, blobs)
	ctx := context.Background()

	require.NoError(t, svc.Ingest(ctx, utterance("c-1", 0, "one")))

	// The second utterance lands while Close is polling.
	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(500 * time.Microsecond)
		svc.Ingest(ctx, utterance("c-1", 1, "two"))
	}()

	outcome, err := svc.Close(ctx, LifecycleEvent{
		ConversationID:      "c-1",
		EventType:           "conversation_ended",
		TotalUtteranceCount: intPtr(2),
	})
	<-done
	require.NoError(t, err)
	assert.Equal(t, OutcomeAggregated, outcome)

	var doc artifact
	require.NoError(t, json.Unmarshal(blobs.objects["c-1_transcript.json"], &doc))
	assert.Len(t, doc.Entries, 2)
}

func TestCloseWithoutCountUsesSettlingDelay(t *testing.T) {
	st := newFakeStore()
	blobs := newFakeBlobs()
	svc := newService(t, st, blobs)
	ctx := context.Background()

	require.NoError(t, svc.Ingest(ctx, utterance("c-1", 0, "hello")))

	outcome, err := svc.Close(ctx, LifecycleEvent{
		ConversationID: "c-1",
		EventType:      "conversation_ended",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAggregated, outcome)
}

func TestCloseRetriesBlobWrite(t *testing.T) {
	st := newFakeStore()
	blobs := newFakeBlobs()
	blobs.failLeft = 2
	svc := newService(t, st, blobs)
	ctx := context.Background()

	require.NoError(t, svc.Ingest(ctx, utterance("c-1", 0, "hello")))

	outcome, err := svc.Close(ctx, LifecycleEvent{
		ConversationID:      "c-1",
		EventType:           "conversation_ended",
		TotalUtteranceCount: intPtr(1),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAggregated, outcome)
	assert.Contains(t, blobs.objects, "c-1_transcript.json")
}

func TestCloseBlobFailureKeepsWorkingSet(t *testing.T) {
	st := newFakeStore()
	blobs := newFakeBlobs()
	blobs.failLeft = 100
	svc := newService(t, st, blobs)
	ctx := context.Background()

	require.NoError(t, svc.Ingest(ctx, utterance("c-1", 0, "hello")))

	_, err := svc.Close(ctx, LifecycleEvent{
		ConversationID:      "c-1",
		EventType:           "conversation_ended",
		TotalUtteranceCount: intPtr(1),
	})
	require.Error(t, err)

	// Rows survive for the redelivered end event.
	utts, _ := st.ListUtterances(ctx, "c-1")
	assert.Len(t, utts, 1)
	assert.Empty(t, st.deleted)
}

func TestIngestBuffersToRedisWhenEnabled(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	opts := fastOpts()
	opts.BufferEnabled = true
	opts.BufferSize = 2
	svc := NewAggregatorService(newFakeStore(), newFakeBlobs(), rdb, opts, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, svc.Ingest(ctx, utterance("c-1", 0, "one")))
	require.NoError(t, svc.Ingest(ctx, utterance("c-1", 1, "two")))
	require.NoError(t, svc.Ingest(ctx, utterance("c-1", 2, "three")))

	// Trimmed to the newest two entries, TTL set.
	items, err := rdb.LRange(ctx, "utterances:c-1", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, items, 2)
	var last UtteranceEvent
	require.NoError(t, json.Unmarshal([]byte(items[1]), &last))
	assert.Equal(t, "three", last.Text)
	assert.Equal(t, 90*time.Second, mr.TTL("utterances:c-1"))
}

func TestIngestBufferFailureIsNonFatal(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	mr.Close()

	opts := fastOpts()
	opts.BufferEnabled = true
	svc := NewAggregatorService(newFakeStore(), newFakeBlobs(), rdb, opts, zaptest.NewLogger(t))

	assert.NoError(t, svc.Ingest(context.Background(), utterance("c-1", 0, "one")))
}

func TestCloseRejectsMissingConversationID(t *testing.T) {
	svc := newService(t, newFakeStore(), newFakeBlobs())
	_, err := svc.Close(context.Background(), LifecycleEvent{EventType: "conversation_ended"})
	assert.ErrorIs(t, err, ErrBadEvent)
}
