package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/finalize"
	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/generation"
	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/ledger"
	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/pool"
	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/providers/mock"
	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/stream"
	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/tasks"
	"github.com/mrmushfiq/llm0-chat-core/internal/shared/logging"
	"github.com/mrmushfiq/llm0-chat-core/internal/shared/models"
	"github.com/mrmushfiq/llm0-chat-core/internal/shared/redis"
)

const testSecret = "test-secret"

type fakeUsers struct {
	mu        sync.Mutex
	known     map[string]bool
	usage     map[string]int
	keys      map[string]string
	lookupErr error
}

func newFakeUsers(ids ...string) *fakeUsers {
	u := &fakeUsers{known: map[string]bool{}, usage: map[string]int{}, keys: map[string]string{}}
	for _, id := range ids {
		u.known[id] = true
	}
	return u
}

func (u *fakeUsers) UserExists(ctx context.Context, userID string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.known[userID], u.lookupErr
}

func (u *fakeUsers) GetUsage(ctx context.Context, userID string) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.usage[userID], nil
}

func (u *fakeUsers) IncrementUsage(ctx context.Context, userID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.usage[userID]++
	return nil
}

func (u *fakeUsers) ResolveUserCredential(ctx context.Context, userID string) (string, bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	key, ok := u.keys[userID]
	return key, ok, nil
}

type memorySink struct {
	mu    sync.Mutex
	pairs map[string]models.MessagePair
}

func (s *memorySink) FindPair(ctx context.Context, id string) (models.MessagePair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pairs[id]
	return p, ok, nil
}

func (s *memorySink) SavePair(ctx context.Context, pair models.MessagePair) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pairs[pair.GenerationID]; ok {
		return p.ID, false, nil
	}
	pair.ID = int64(len(s.pairs) + 1)
	s.pairs[pair.GenerationID] = pair
	return pair.ID, true, nil
}

type catalog struct{}

func (catalog) DefaultModel() string { return "gemini-2.5-flash" }

func (catalog) ValidateModel(model string) bool { return strings.HasPrefix(model, "gemini-") }

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testEnv struct {
	router  http.Handler
	mr      *miniredis.Miniredis
	store   *generation.Store
	pool    *pool.Pool
	users   *fakeUsers
	sink    *memorySink
	factory *mock.Factory
	queue   *tasks.Queue
}

type envOptions struct {
	freeLimit  int
	userLimit  int
	validators []stream.Validator
	upstream   []mock.Option
	scheduler  Scheduler
}

func newEnv(t *testing.T, o envOptions) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { raw.Close() })
	rc := redis.Wrap(raw)

	p, err := pool.New([]models.Credential{{Label: "primary", Key: "sk-platform-0001", RateLimit: 10}}, ledger.New(rc))
	require.NoError(t, err)

	q := tasks.New(logging.Discard(), 2, 32, time.Second)
	t.Cleanup(func() { q.Close(context.Background()) })

	e := &testEnv{
		mr:      mr,
		store:   generation.New(raw),
		pool:    p,
		users:   newFakeUsers("u1", "u2"),
		sink:    &memorySink{pairs: map[string]models.MessagePair{}},
		factory: mock.New(o.upstream...),
		queue:   q,
	}

	streamer := stream.New(e.store, e.pool, e.factory, stream.WithCredentialResolver(e.users))
	finalizer := finalize.New(e.store, e.sink, e.users, finalize.WithScheduler(q))

	var scheduler Scheduler = q
	if o.scheduler != nil {
		scheduler = o.scheduler
	}
	h := NewChatHandler(Deps{
		Store:            e.store,
		Streamer:         streamer,
		Finalizer:        finalizer,
		Pool:             e.pool,
		Models:           catalog{},
		Usage:            e.users,
		Credentials:      e.users,
		Tasks:            scheduler,
		Validators:       o.validators,
		FreeMessageLimit: o.freeLimit,
		Log:              logging.Discard(),
	})
	mw := NewMiddleware(testSecret, e.users, rc, o.userLimit, time.Second, logging.Discard())
	health := HealthHandler(map[string]Pinger{"redis": rc})
	e.router = NewRouter(h, mw, health, 5*time.Second)
	return e
}

func token(t *testing.T, sub string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (e *testEnv) do(t *testing.T, method, path, body, user string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user, time.Hour))
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) create(t *testing.T, user, chat string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/generation", `{"chat_id":"`+chat+`","prompt":"hi"}`, user)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var resp createResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.GenerationID
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body.Error
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(body string) []sseEvent {
	var events []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
		if ev.name != "" {
			events = append(events, ev)
		}
	}
	return events
}

func tokens(t *testing.T, events []sseEvent) string {
	t.Helper()
	var out strings.Builder
	for _, ev := range events {
		if ev.name != "token" {
			continue
		}
		var tok tokenEvent
		require.NoError(t, json.Unmarshal([]byte(ev.data), &tok))
		out.WriteString(tok.Content)
	}
	return out.String()
}

func TestAuth_Rejections(t *testing.T) {
	e := newEnv(t, envOptions{})

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"expired", "Bearer " + token(t, "u1", -time.Minute), http.StatusUnauthorized},
		{"unknown user", "Bearer " + token(t, "ghost", time.Hour), http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/pool/status", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			e.router.ServeHTTP(rr, req)
			assert.Equal(t, tc.status, rr.Code)
			assert.Equal(t, "UNAUTHORIZED", errorCode(t, rr))
		})
	}

	t.Run("wrong signing key", func(t *testing.T) {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u1"}).SignedString([]byte("other"))
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/pool/status", nil)
		req.Header.Set("Authorization", "Bearer "+s)
		rr := httptest.NewRecorder()
		e.router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("directory down", func(t *testing.T) {
		e.users.mu.Lock()
		e.users.lookupErr = errors.New("db down")
		e.users.mu.Unlock()
		defer func() {
			e.users.mu.Lock()
			e.users.lookupErr = nil
			e.users.mu.Unlock()
		}()

		rr := e.do(t, http.MethodGet, "/pool/status", "", "u1")
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}

func TestCreate_ThenConflict(t *testing.T) {
	e := newEnv(t, envOptions{})

	rr := e.do(t, http.MethodPost, "/generation", `{"chat_id":"c1","prompt":"hi"}`, "u1")
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp createResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.GenerationID)
	assert.Equal(t, "c1", resp.ChatID)
	assert.Equal(t, models.StatusPending, resp.Status)

	rr = e.do(t, http.MethodPost, "/generation", `{"chat_id":"c1","prompt":"again"}`, "u1")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "GENERATION_IN_PROGRESS", errorCode(t, rr))

	rr = e.do(t, http.MethodPost, "/generation", `{"chat_id":"c2","prompt":"other chat"}`, "u1")
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestCreate_Validation(t *testing.T) {
	e := newEnv(t, envOptions{})

	cases := map[string]struct {
		body string
		code string
	}{
		"bad json":      {`{`, "INVALID_REQUEST"},
		"missing chat":  {`{"prompt":"hi"}`, "INVALID_REQUEST"},
		"blank prompt":  {`{"chat_id":"c1","prompt":"  "}`, "INVALID_REQUEST"},
		"unknown model": {`{"chat_id":"c1","prompt":"hi","model":"gpt-4o"}`, "UNKNOWN_MODEL"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rr := e.do(t, http.MethodPost, "/generation", tc.body, "u1")
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, tc.code, errorCode(t, rr))
		})
	}
}

func TestCreate_FreeLimitExceeded(t *testing.T) {
	e := newEnv(t, envOptions{freeLimit: 3})
	e.users.usage["u1"] = 3

	rr := e.do(t, http.MethodPost, "/generation", `{"chat_id":"c1","prompt":"hi"}`, "u1")
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	assert.Equal(t, "FREE_LIMIT_EXCEEDED", errorCode(t, rr))

	rr = e.do(t, http.MethodPost, "/generation", `{"chat_id":"c1","prompt":"hi"}`, "u2")
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestCreate_AllKeysExhausted(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.pool.RecordFailure(0, pool.FailureRateLimited)

	rr := e.do(t, http.MethodPost, "/generation", `{"chat_id":"c1","prompt":"hi"}`, "u1")
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	assert.Equal(t, "ALL_KEYS_EXHAUSTED", errorCode(t, rr))
}

func TestCreate_UserKeySkipsPlatformGates(t *testing.T) {
	e := newEnv(t, envOptions{freeLimit: 1})
	e.users.usage["u1"] = 10
	e.users.keys["u1"] = "sk-user"
	e.pool.RecordFailure(0, pool.FailureOther)

	id := e.create(t, "u1", "c1")

	rr := e.do(t, http.MethodGet, "/generation/"+id+"/stream", "", "u1")
	require.Equal(t, http.StatusOK, rr.Code)
	events := parseSSE(rr.Body.String())
	assert.Equal(t, "Hello from mock", tokens(t, events))
	assert.Equal(t, []string{"sk-user"}, e.factory.Calls())

	rr = e.do(t, http.MethodGet, "/generation/"+id, "", "u1")
	var rec models.GenerationRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, models.KeySourceUser, rec.KeySource)
}

func TestCreate_RateLimited(t *testing.T) {
	e := newEnv(t, envOptions{userLimit: 2})

	e.create(t, "u1", "c1")
	e.create(t, "u1", "c2")

	rr := e.do(t, http.MethodPost, "/generation", `{"chat_id":"c3","prompt":"hi"}`, "u1")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, rr))
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))

	rr = e.do(t, http.MethodPost, "/generation", `{"chat_id":"c3","prompt":"hi"}`, "u2")
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestGeneration_FullLifecycle(t *testing.T) {
	e := newEnv(t, envOptions{})
	id := e.create(t, "u1", "c1")

	rr := e.do(t, http.MethodGet, "/generation/"+id+"/stream", "", "u1")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))

	events := parseSSE(rr.Body.String())
	require.Len(t, events, 4)
	assert.Equal(t, "Hello from mock", tokens(t, events))
	assert.Equal(t, "done", events[3].name)
	assert.JSONEq(t, `{"status":"completed","chunks_sent":3}`, events[3].data)

	rr = e.do(t, http.MethodPost, "/generation/"+id+"/finalize", `{"metadata":{"source":"web"}}`, "u1")
	require.Equal(t, http.StatusOK, rr.Code)
	var res finalize.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, finalize.StatusPersisted, res.Status)
	assert.Equal(t, "1", res.MessageID)

	rr = e.do(t, http.MethodPost, "/generation/"+id+"/finalize", "", "u1")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, finalize.StatusOK, res.Status)
	assert.Equal(t, "1", res.MessageID)

	e.queue.Wait()
	assert.Equal(t, 1, e.users.usage["u1"])
	assert.Equal(t, "Hello from mock", e.sink.pairs[id].Response)
	assert.Equal(t, "web", e.sink.pairs[id].Metadata["source"])

	rr = e.do(t, http.MethodGet, "/generation/"+id, "", "u1")
	require.Equal(t, http.StatusOK, rr.Code)
	var rec models.GenerationRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, models.StatusCleaned, rec.Status)
	assert.Empty(t, rec.Content)

	e.create(t, "u1", "c1")
}

func TestStream_FollowsFinishedGeneration(t *testing.T) {
	e := newEnv(t, envOptions{})
	id := e.create(t, "u1", "c1")

	rr := e.do(t, http.MethodGet, "/generation/"+id+"/stream", "", "u1")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = e.do(t, http.MethodGet, "/generation/"+id+"/stream", "", "u1")
	require.Equal(t, http.StatusOK, rr.Code)
	events := parseSSE(rr.Body.String())
	assert.Equal(t, "Hello from mock", tokens(t, events))
	assert.Equal(t, "done", events[len(events)-1].name)
	assert.Len(t, e.factory.Calls(), 1, "a replay never calls the upstream")

	rr = e.do(t, http.MethodGet, "/generation/"+id+"/stream?offset=5", "", "u1")
	assert.Equal(t, " from mock", tokens(t, parseSSE(rr.Body.String())))

	rr = e.do(t, http.MethodGet, "/generation/"+id+"/stream?offset=-1", "", "u1")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStream_UpstreamFailureEvent(t *testing.T) {
	e := newEnv(t, envOptions{upstream: []mock.Option{
		mock.WithKeyError("sk-platform-0001", &providers.UpstreamError{Provider: "mock", StatusCode: 500, Message: "boom"}),
	}})
	id := e.create(t, "u1", "c1")

	rr := e.do(t, http.MethodGet, "/generation/"+id+"/stream", "", "u1")
	require.Equal(t, http.StatusOK, rr.Code)
	events := parseSSE(rr.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].name)
	assert.Contains(t, events[0].data, "UPSTREAM_FAILED")

	rr = e.do(t, http.MethodPost, "/generation/"+id+"/finalize", "", "u1")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"reason":"failed"`)
}

func TestStream_NotFoundAndNotOwner(t *testing.T) {
	e := newEnv(t, envOptions{})
	id := e.create(t, "u1", "c1")

	rr := e.do(t, http.MethodGet, "/generation/"+id+"/stream", "", "u2")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = e.do(t, http.MethodGet, "/generation/missing/stream", "", "u1")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = e.do(t, http.MethodGet, "/generation/"+id, "", "u2")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancel_AlwaysOK(t *testing.T) {
	e := newEnv(t, envOptions{})
	id := e.create(t, "u1", "c1")

	rr := e.do(t, http.MethodPost, "/generation/"+id+"/cancel", "", "u2")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	rr = e.do(t, http.MethodPost, "/generation/"+id+"/cancel", "", "u1")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"cancelled"}`, rr.Body.String())

	rr = e.do(t, http.MethodPost, "/generation/"+id+"/cancel", "", "u1")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	rr = e.do(t, http.MethodPost, "/generation/missing/cancel", "", "u1")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = e.do(t, http.MethodGet, "/generation/"+id+"/stream", "", "u1")
	events := parseSSE(rr.Body.String())
	require.NotEmpty(t, events)
	assert.JSONEq(t, `{"status":"cancelled","chunks_sent":0}`, events[len(events)-1].data)
	assert.Empty(t, e.factory.Calls())

	e.create(t, "u1", "c1")
}

func TestFinalize_Responses(t *testing.T) {
	e := newEnv(t, envOptions{})

	rr := e.do(t, http.MethodPost, "/generation/missing/finalize", "", "u1")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)

	rr = e.do(t, http.MethodPost, "/generation/missing/finalize", "{", "u1")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	id := e.create(t, "u1", "c1")
	e.mr.Close()
	rr = e.do(t, http.MethodPost, "/generation/"+id+"/finalize", "", "u1")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "INTERNAL", errorCode(t, rr))
}

func TestValidators_RejectAfterCreate(t *testing.T) {
	e := newEnv(t, envOptions{validators: []stream.Validator{stream.PromptLengthValidator{Max: 5}}})

	rr := e.do(t, http.MethodPost, "/generation", `{"chat_id":"c1","prompt":"far too long for the limit"}`, "u1")
	require.Equal(t, http.StatusCreated, rr.Code)
	var resp createResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	e.queue.Wait()
	rec, found, err := e.store.Get(context.Background(), resp.GenerationID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.StatusCancelled, rec.Status)
}

type refusingScheduler struct{}

func (refusingScheduler) Submit(string, tasks.Func) bool { return false }

func TestValidators_RunInlineWhenQueueRefuses(t *testing.T) {
	long := `{"chat_id":"c1","prompt":"far too long for the limit"}`
	cases := []struct {
		name    string
		options envOptions
		prepare func(t *testing.T, e *testEnv)
	}{
		{
			name:    "refusing scheduler",
			options: envOptions{scheduler: refusingScheduler{}},
		},
		{
			name:    "closed queue",
			prepare: func(t *testing.T, e *testEnv) { require.NoError(t, e.queue.Close(context.Background())) },
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := tc.options
			o.validators = []stream.Validator{stream.PromptLengthValidator{Max: 5}}
			e := newEnv(t, o)
			if tc.prepare != nil {
				tc.prepare(t, e)
			}

			rr := e.do(t, http.MethodPost, "/generation", long, "u1")
			require.Equal(t, http.StatusCreated, rr.Code)
			var resp createResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, models.StatusCancelled, resp.Status)

			rec, found, err := e.store.Get(context.Background(), resp.GenerationID)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, models.StatusCancelled, rec.Status)

			// A prompt that passes is left pending for its stream.
			rr = e.do(t, http.MethodPost, "/generation", `{"chat_id":"c2","prompt":"ok"}`, "u1")
			require.Equal(t, http.StatusCreated, rr.Code)
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, models.StatusPending, resp.Status)
		})
	}
}

func TestPoolStatus(t *testing.T) {
	e := newEnv(t, envOptions{})

	rr := e.do(t, http.MethodGet, "/pool/status", "", "u1")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "sk-platform-0001")

	var status pool.PoolStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, 1, status.Total)
	assert.Equal(t, 1, status.Healthy)
	require.Len(t, status.Credentials, 1)
	assert.Equal(t, "primary", status.Credentials[0].Label)
}

func TestHealth(t *testing.T) {
	ok := HealthHandler(map[string]Pinger{"redis": pingFunc(func(context.Context) error { return nil })})
	rr := httptest.NewRecorder()
	ok.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	down := HealthHandler(map[string]Pinger{
		"redis":    pingFunc(func(context.Context) error { return nil }),
		"postgres": pingFunc(func(context.Context) error { return errors.New("refused") }),
	})
	rr = httptest.NewRecorder()
	down.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "refused")
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t, envOptions{})
	rr := e.do(t, http.MethodOptions, "/generation", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}
