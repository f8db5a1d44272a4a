package finalize

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/generation"
	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/tasks"
	"github.com/mrmushfiq/llm0-chat-core/internal/shared/logging"
	"github.com/mrmushfiq/llm0-chat-core/internal/shared/models"
)

type memorySink struct {
	mu      sync.Mutex
	pairs   map[string]models.MessagePair
	nextID  int64
	inserts int
	saveErr error
	findErr error
}

func newMemorySink() *memorySink {
	return &memorySink{pairs: make(map[string]models.MessagePair)}
}

func (s *memorySink) FindPair(ctx context.Context, generationID string) (models.MessagePair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return models.MessagePair{}, false, s.findErr
	}
	p, ok := s.pairs[generationID]
	return p, ok, nil
}

func (s *memorySink) SavePair(ctx context.Context, pair models.MessagePair) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return 0, false, s.saveErr
	}
	if existing, ok := s.pairs[pair.GenerationID]; ok {
		return existing.ID, false, nil
	}
	s.nextID++
	pair.ID = s.nextID
	s.pairs[pair.GenerationID] = pair
	s.inserts++
	return pair.ID, true, nil
}

func (s *memorySink) setSaveErr(err error) {
	s.mu.Lock()
	s.saveErr = err
	s.mu.Unlock()
}

type countingUsage struct {
	n atomic.Int32
}

func (u *countingUsage) IncrementUsage(ctx context.Context, userID string) error {
	u.n.Add(1)
	return nil
}

type fixture struct {
	store *generation.Store
	mr    *miniredis.Miniredis
	sink  *memorySink
	usage *countingUsage
	queue *tasks.Queue
	c     *Coordinator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := tasks.New(logging.Discard(), 2, 64, time.Second)
	t.Cleanup(func() { q.Close(context.Background()) })

	f := &fixture{
		store: generation.New(client),
		mr:    mr,
		sink:  newMemorySink(),
		usage: &countingUsage{},
		queue: q,
	}
	f.c = New(f.store, f.sink, f.usage, append([]Option{WithScheduler(q)}, opts...)...)
	return f
}

// completed creates a generation that streamed content and finished.
func (f *fixture) completed(t *testing.T, chat, content string) models.GenerationRecord {
	t.Helper()
	ctx := context.Background()
	rec, err := f.store.Create(ctx, generation.CreateParams{UserID: "u1", ChatID: chat, Prompt: "question", Model: "gemini-2.5-flash"})
	require.NoError(t, err)

	_, err = f.store.UpdateStatus(ctx, rec.ID, models.StatusStreaming)
	require.NoError(t, err)
	if content != "" {
		_, err = f.store.AppendContent(ctx, rec.ID, content)
		require.NoError(t, err)
	}
	_, err = f.store.UpdateStatus(ctx, rec.ID, models.StatusCompleted)
	require.NoError(t, err)
	return rec
}

func (f *fixture) status(t *testing.T, id string) models.Status {
	t.Helper()
	rec, found, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	return rec.Status
}

func TestFinalize_IdempotentAcrossRepeats(t *testing.T) {
	f := newFixture(t)
	rec := f.completed(t, "c1", "the answer")

	first, err := f.c.Finalize(context.Background(), Request{GenerationID: rec.ID, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, StatusPersisted, first.Status)
	assert.Equal(t, "1", first.MessageID)

	for i := 0; i < 4; i++ {
		res, err := f.c.Finalize(context.Background(), Request{GenerationID: rec.ID, UserID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, StatusOK, res.Status)
		assert.Equal(t, first.MessageID, res.MessageID)
		assert.Equal(t, ReasonAlreadyPersisted, res.Reason)
	}
	f.queue.Wait()

	assert.Equal(t, 1, f.sink.inserts)
	assert.Equal(t, int32(1), f.usage.n.Load())
	assert.Equal(t, models.StatusCleaned, f.status(t, rec.ID))

	saved := f.sink.pairs[rec.ID]
	assert.Equal(t, "question", saved.Prompt)
	assert.Equal(t, "the answer", saved.Response)
	assert.Equal(t, "c1", saved.ChatID)
}

func TestFinalize_ConcurrentCallsPersistOnce(t *testing.T) {
	f := newFixture(t)
	rec := f.completed(t, "c1", "the answer")

	const callers = 8
	results := make([]Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.c.Finalize(context.Background(), Request{GenerationID: rec.ID, UserID: "u1"})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()
	f.queue.Wait()

	persisted := 0
	for _, res := range results {
		assert.Contains(t, []string{StatusOK, StatusPersisted}, res.Status)
		assert.Equal(t, "1", res.MessageID)
		if res.Status == StatusPersisted {
			persisted++
		}
	}
	assert.Equal(t, 1, persisted)
	assert.Equal(t, 1, f.sink.inserts)
	assert.Equal(t, int32(1), f.usage.n.Load())
}

func TestFinalize_PersistFailureReportsOKAndAllowsRetry(t *testing.T) {
	f := newFixture(t)
	rec := f.completed(t, "c1", "the answer")
	f.sink.setSaveErr(errors.New("connection refused"))

	res, err := f.c.Finalize(context.Background(), Request{GenerationID: rec.ID})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, ReasonPersistFailed, res.Reason)
	f.queue.Wait()
	assert.Equal(t, int32(0), f.usage.n.Load())
	assert.Equal(t, models.StatusCompleted, f.status(t, rec.ID))

	f.sink.setSaveErr(nil)
	res, err = f.c.Finalize(context.Background(), Request{GenerationID: rec.ID})
	require.NoError(t, err)
	assert.Equal(t, StatusPersisted, res.Status)
	f.queue.Wait()
	assert.Equal(t, int32(1), f.usage.n.Load())
}

func TestFinalize_AlreadyHandledStatesSucceed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.c.Finalize(ctx, Request{GenerationID: "missing"})
	require.NoError(t, err)
	assert.Equal(t, Result{Status: StatusOK, Reason: ReasonNotFound}, res)

	streaming, err := f.store.Create(ctx, generation.CreateParams{UserID: "u1", ChatID: "c-stream", Prompt: "q"})
	require.NoError(t, err)
	_, err = f.store.UpdateStatus(ctx, streaming.ID, models.StatusStreaming)
	require.NoError(t, err)
	res, err = f.c.Finalize(ctx, Request{GenerationID: streaming.ID, FinalContent: strPtr("override")})
	require.NoError(t, err)
	assert.Equal(t, ReasonStillStreaming, res.Reason)

	_, err = f.store.UpdateStatus(ctx, streaming.ID, models.StatusCancelled)
	require.NoError(t, err)
	res, err = f.c.Finalize(ctx, Request{GenerationID: streaming.ID})
	require.NoError(t, err)
	assert.Equal(t, Result{Status: StatusOK, Reason: ReasonCancelled}, res)
	f.queue.Wait()
	assert.Equal(t, models.StatusCleaned, f.status(t, streaming.ID))

	res, err = f.c.Finalize(ctx, Request{GenerationID: streaming.ID})
	require.NoError(t, err)
	assert.Equal(t, ReasonCleaned, res.Reason)

	empty := f.completed(t, "c-empty", "")
	res, err = f.c.Finalize(ctx, Request{GenerationID: empty.ID})
	require.NoError(t, err)
	assert.Equal(t, ReasonEmptyContent, res.Reason)

	other := f.completed(t, "c-other", "text")
	res, err = f.c.Finalize(ctx, Request{GenerationID: other.ID, UserID: "intruder"})
	require.NoError(t, err)
	assert.Equal(t, ReasonNotOwner, res.Reason)

	assert.Zero(t, f.sink.inserts)
	assert.Equal(t, int32(0), f.usage.n.Load())
}

func TestFinalize_OverrideAndMetadata(t *testing.T) {
	f := newFixture(t)
	rec := f.completed(t, "c1", "")

	res, err := f.c.Finalize(context.Background(), Request{
		GenerationID: rec.ID,
		FinalContent: strPtr("client text"),
		Metadata:     map[string]any{"rating": "up"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPersisted, res.Status)

	saved := f.sink.pairs[rec.ID]
	assert.Equal(t, "client text", saved.Response)
	assert.Equal(t, "up", saved.Metadata["rating"])
}

func TestFinalize_SinkLookupFailureFallsThroughToSave(t *testing.T) {
	f := newFixture(t)
	rec := f.completed(t, "c1", "the answer")
	f.sink.findErr = errors.New("timeout")

	res, err := f.c.Finalize(context.Background(), Request{GenerationID: rec.ID})
	require.NoError(t, err)
	assert.Equal(t, StatusPersisted, res.Status)

	res, err = f.c.Finalize(context.Background(), Request{GenerationID: rec.ID})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "1", res.MessageID)

	f.queue.Wait()
	assert.Equal(t, 1, f.sink.inserts)
	assert.Equal(t, int32(1), f.usage.n.Load())
}

func TestFinalize_StoreDownIsAnError(t *testing.T) {
	f := newFixture(t)
	rec := f.completed(t, "c1", "the answer")
	f.mr.Close()

	_, err := f.c.Finalize(context.Background(), Request{GenerationID: rec.ID})
	assert.Error(t, err)
}

func TestFinalize_RunsInlineWithoutScheduler(t *testing.T) {
	f := newFixture(t)
	c := New(f.store, f.sink, f.usage)
	rec := f.completed(t, "c1", "the answer")

	res, err := c.Finalize(context.Background(), Request{GenerationID: rec.ID})
	require.NoError(t, err)
	assert.Equal(t, StatusPersisted, res.Status)
	assert.Equal(t, int32(1), f.usage.n.Load())
	assert.Equal(t, models.StatusCleaned, f.status(t, rec.ID))
}

func strPtr(s string) *string { return &s }

func TestFinalize_PersistedPairOfAnotherUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.completed(t, "c1", "private answer")

	// The pair is stored but the record was never settled.
	_, _, err := f.sink.SavePair(ctx, models.MessagePair{GenerationID: rec.ID, UserID: "u1", ChatID: "c1", Response: "private answer"})
	require.NoError(t, err)

	res, err := f.c.Finalize(ctx, Request{GenerationID: rec.ID, UserID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, Result{Status: StatusOK, Reason: ReasonNotOwner}, res)
	f.queue.Wait()
	assert.Equal(t, models.StatusCompleted, f.status(t, rec.ID))
	assert.Equal(t, int32(0), f.usage.n.Load())

	res, err = f.c.Finalize(ctx, Request{GenerationID: rec.ID, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, ReasonAlreadyPersisted, res.Reason)
	assert.Equal(t, "1", res.MessageID)
	f.queue.Wait()
	assert.Equal(t, int32(1), f.usage.n.Load())
}

func TestFinalize_AbandonedGenerationFails(t *testing.T) {
	now := time.Now().Add(10 * time.Minute)
	f := newFixture(t, WithStaleAfter(5*time.Minute), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	abandoned, err := f.store.Create(ctx, generation.CreateParams{UserID: "u1", ChatID: "c1", Prompt: "q"})
	require.NoError(t, err)
	_, err = f.store.UpdateStatus(ctx, abandoned.ID, models.StatusStreaming)
	require.NoError(t, err)
	_, err = f.store.AppendContent(ctx, abandoned.ID, "half an ans")
	require.NoError(t, err)

	res, err := f.c.Finalize(ctx, Request{GenerationID: abandoned.ID, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, Result{Status: StatusOK, Reason: ReasonFailed}, res)
	f.queue.Wait()
	assert.Equal(t, models.StatusCleaned, f.status(t, abandoned.ID))
	assert.Equal(t, 0, f.sink.inserts)
	assert.Equal(t, int32(0), f.usage.n.Load())

	// The chat is free again.
	_, err = f.store.Create(ctx, generation.CreateParams{UserID: "u1", ChatID: "c1", Prompt: "q"})
	require.NoError(t, err)
}

func TestFinalize_RecentStreamIsLeftAlone(t *testing.T) {
	f := newFixture(t, WithStaleAfter(5*time.Minute))
	ctx := context.Background()

	rec, err := f.store.Create(ctx, generation.CreateParams{UserID: "u1", ChatID: "c1", Prompt: "q"})
	require.NoError(t, err)
	_, err = f.store.UpdateStatus(ctx, rec.ID, models.StatusStreaming)
	require.NoError(t, err)

	res, err := f.c.Finalize(ctx, Request{GenerationID: rec.ID, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, ReasonStillStreaming, res.Reason)
	assert.Equal(t, models.StatusStreaming, f.status(t, rec.ID))
}
