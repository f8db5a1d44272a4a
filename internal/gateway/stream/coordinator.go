// Package stream owns the upstream side of a generation: it claims the
// record, picks a credential, relays chunks into the generation buffer and to
// the client, and retries across pool credentials until content has been
// emitted.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/pool"
	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-chat-core/internal/shared/logging"
	"github.com/mrmushfiq/llm0-chat-core/internal/shared/models"
)

const (
	defaultMaxDuration  = 5 * time.Minute
	defaultPollInterval = 200 * time.Millisecond
	defaultReadTimeout  = 60 * time.Second
	finishTimeout       = 5 * time.Second
)

// Store is the subset of the generation store the coordinator drives.
type Store interface {
	Get(ctx context.Context, id string) (models.GenerationRecord, bool, error)
	UpdateStatus(ctx context.Context, id string, next models.Status) (bool, error)
	AppendContent(ctx context.Context, id, chunk string) (bool, error)
	SetCredential(ctx context.Context, id string, index int) error
}

// Pool hands out platform credentials.
type Pool interface {
	Size() int
	SelectCredential(ctx context.Context) (models.Credential, error)
	RecordSuccess(ctx context.Context, index int) error
	RecordFailure(index int, kind pool.FailureKind)
}

// ProviderFactory builds an upstream client bound to one key.
type ProviderFactory interface {
	ForKey(apiKey, model string) (providers.Provider, error)
}

// CredentialResolver looks up a user's own upstream key.
type CredentialResolver interface {
	ResolveUserCredential(ctx context.Context, userID string) (string, bool, error)
}

// PromptLoader returns the text of a named system prompt.
type PromptLoader interface {
	LoadPrompt(ctx context.Context, name string) (string, error)
}

// Emitter receives chunks for the client. An error means the client is gone;
// the coordinator stops emitting but keeps buffering.
type Emitter interface {
	Emit(chunk string) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(chunk string) error

func (f EmitterFunc) Emit(chunk string) error { return f(chunk) }

// Result summarizes a finished stream.
type Result struct {
	GenerationID    string
	Status          models.Status
	ChunksSent      int
	Attempts        int
	CredentialIndex *int
}

// Coordinator runs generations against the upstream.
type Coordinator struct {
	store    Store
	pool     Pool
	factory  ProviderFactory
	resolver CredentialResolver
	prompts  PromptLoader

	promptName          string
	maxDuration         time.Duration
	readTimeout         time.Duration
	pollInterval        time.Duration
	collaboratorTimeout time.Duration
	log                 *logrus.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCredentialResolver enables generations that use the user's own key.
func WithCredentialResolver(r CredentialResolver) Option {
	return func(c *Coordinator) { c.resolver = r }
}

// WithSystemPrompt sends the named prompt, loaded through loader, as the
// system message of every request.
func WithSystemPrompt(loader PromptLoader, name string) Option {
	return func(c *Coordinator) {
		c.prompts = loader
		c.promptName = name
	}
}

// WithMaxDuration caps the wall-clock time of one generation.
func WithMaxDuration(d time.Duration) Option {
	return func(c *Coordinator) { c.maxDuration = d }
}

// WithReadTimeout bounds the silence between two upstream chunks. A stalled
// attempt is abandoned and counted as a credential failure.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.readTimeout = d }
}

// WithPollInterval sets how often Follow re-reads the store.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.pollInterval = d }
}

// WithCollaboratorTimeout bounds credential and prompt lookups.
func WithCollaboratorTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.collaboratorTimeout = d }
}

func WithLogger(log *logrus.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// New creates a coordinator.
func New(store Store, p Pool, factory ProviderFactory, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:               store,
		pool:                p,
		factory:             factory,
		maxDuration:         defaultMaxDuration,
		readTimeout:         defaultReadTimeout,
		pollInterval:        defaultPollInterval,
		collaboratorTimeout: finishTimeout,
		log:                 logging.Discard(),
		running:             make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run claims a pending generation and streams it to completion. Chunks are
// appended to the buffer before they are emitted. A lost claim returns
// ErrNotClaimed; the caller should Follow instead.
func (c *Coordinator) Run(ctx context.Context, rec models.GenerationRecord, emit Emitter) (Result, error) {
	res := Result{GenerationID: rec.ID}

	claimed, err := c.store.UpdateStatus(ctx, rec.ID, models.StatusStreaming)
	if err != nil {
		return res, fmt.Errorf("stream: claim %s: %w", rec.ID, err)
	}
	if !claimed {
		return res, &Error{GenerationID: rec.ID, Err: ErrNotClaimed}
	}

	// The upstream read outlives the client request so a disconnect does not
	// lose the buffered answer.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.maxDuration)
	defer cancel()
	c.track(rec.ID, cancel)
	defer c.untrack(rec.ID)

	log := c.log.WithFields(logrus.Fields{
		"generation_id": rec.ID,
		"key_source":    rec.KeySource,
		"model":         rec.Model,
	})
	out := &guardedEmitter{emit: emit, log: log}
	req := c.buildRequest(runCtx, rec)

	var outcome error
	if rec.KeySource == models.KeySourceUser {
		outcome = c.runUserKey(runCtx, rec, req, out, &res)
	} else {
		outcome = c.runPool(runCtx, rec, req, out, &res, log)
	}

	return c.finish(ctx, runCtx, rec, res, outcome, log)
}

func (c *Coordinator) runUserKey(ctx context.Context, rec models.GenerationRecord, req providers.ChatRequest, out *guardedEmitter, res *Result) error {
	res.Attempts = 1
	if c.resolver == nil {
		return ErrNoUserCredential
	}

	lookupCtx, cancel := context.WithTimeout(ctx, c.collaboratorTimeout)
	key, found, err := c.resolver.ResolveUserCredential(lookupCtx, rec.UserID)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: resolve user credential: %v", errStore, err)
	}
	if !found || key == "" {
		return ErrNoUserCredential
	}

	provider, err := c.factory.ForKey(key, req.Model)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
	}
	emitted, err := c.streamOnce(ctx, provider, rec.ID, req, out)
	res.ChunksSent += emitted
	if err != nil && !errors.Is(err, errStopped) && !errors.Is(err, errStore) {
		return fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
	}
	return err
}

func (c *Coordinator) runPool(ctx context.Context, rec models.GenerationRecord, req providers.ChatRequest, out *guardedEmitter, res *Result, log *logrus.Entry) error {
	var lastErr error
	for attempt := 1; attempt <= c.pool.Size(); attempt++ {
		res.Attempts = attempt

		cred, err := c.pool.SelectCredential(ctx)
		if err != nil {
			if lastErr != nil && errors.Is(err, pool.ErrAllCredentialsExhausted) {
				return fmt.Errorf("%w: %v", ErrUpstreamExhausted, lastErr)
			}
			return err
		}
		idx := cred.Index
		res.CredentialIndex = &idx
		if err := c.store.SetCredential(ctx, rec.ID, idx); err != nil {
			log.WithError(err).Warn("failed to record credential on generation")
		}

		provider, err := c.factory.ForKey(cred.Key, req.Model)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
		}

		emitted, err := c.streamOnce(ctx, provider, rec.ID, req, out)
		res.ChunksSent += emitted
		if err == nil {
			if err := c.pool.RecordSuccess(ctx, idx); err != nil {
				log.WithError(err).Warn("failed to record credential usage")
			}
			return nil
		}
		if errors.Is(err, errStopped) || errors.Is(err, errStore) || ctx.Err() != nil {
			return err
		}

		kind := pool.FailureOther
		if providers.IsRateLimited(err) {
			kind = pool.FailureRateLimited
		}
		c.pool.RecordFailure(idx, kind)
		log.WithError(err).WithFields(logrus.Fields{
			"credential": idx,
			"attempt":    attempt,
			"failure":    kind,
			"emitted":    res.ChunksSent,
		}).Warn("upstream attempt failed")

		if res.ChunksSent > 0 {
			return fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
		}
		lastErr = err
	}
	if lastErr == nil {
		return pool.ErrAllCredentialsExhausted
	}
	return fmt.Errorf("%w: %v", ErrUpstreamExhausted, lastErr)
}

// streamOnce relays one upstream stream. It returns the number of chunks
// emitted, errStopped when the record left streaming and ErrUpstreamStalled
// when the upstream went quiet for longer than the read timeout.
func (c *Coordinator) streamOnce(ctx context.Context, provider providers.Provider, id string, req providers.ChatRequest, out *guardedEmitter) (int, error) {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var idle *time.Timer
	if c.readTimeout > 0 {
		idle = time.AfterFunc(c.readTimeout, func() { cancel(ErrUpstreamStalled) })
		defer idle.Stop()
	}

	stream, err := provider.ChatCompletionStream(attemptCtx, req)
	if err != nil {
		return 0, stalled(attemptCtx, err)
	}
	defer stream.Close()

	emitted := 0
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return emitted, nil
		}
		if err != nil {
			return emitted, stalled(attemptCtx, err)
		}
		if idle != nil {
			idle.Reset(c.readTimeout)
		}

		text := providers.DeltaText(chunk)
		if text == "" {
			continue
		}

		ok, err := c.store.AppendContent(ctx, id, text)
		if err != nil {
			return emitted, fmt.Errorf("%w: %v", errStore, err)
		}
		if !ok {
			return emitted, errStopped
		}
		out.Emit(text)
		emitted++
	}
}

// stalled reports an upstream error caused by the idle timer as
// ErrUpstreamStalled.
func stalled(attemptCtx context.Context, err error) error {
	if errors.Is(context.Cause(attemptCtx), ErrUpstreamStalled) {
		return fmt.Errorf("%w: %v", ErrUpstreamStalled, err)
	}
	return err
}

// finish records the final status with a context that survives both the
// client and the wall-clock cap.
func (c *Coordinator) finish(ctx, runCtx context.Context, rec models.GenerationRecord, res Result, outcome error, log *logrus.Entry) (Result, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	wrap := func(err error) error {
		return &Error{GenerationID: rec.ID, Attempts: res.Attempts, Err: err}
	}

	if outcome == nil {
		ok, err := c.store.UpdateStatus(fctx, rec.ID, models.StatusCompleted)
		if err != nil {
			return res, fmt.Errorf("stream: complete %s: %w", rec.ID, err)
		}
		if ok {
			res.Status = models.StatusCompleted
			log.WithFields(logrus.Fields{"chunks": res.ChunksSent, "attempts": res.Attempts}).Info("generation completed")
			return res, nil
		}
		// Cancelled between the last chunk and completion.
		outcome = errStopped
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		if _, err := c.store.UpdateStatus(fctx, rec.ID, models.StatusFailed); err != nil {
			log.WithError(err).Error("failed to mark timed out generation")
		}
		res.Status = models.StatusFailed
		log.Warn("generation timed out")
		return res, wrap(ErrGenerationTimeout)
	}

	cur, found, err := c.store.Get(fctx, rec.ID)
	if err == nil && found && cur.Status == models.StatusCancelled {
		res.Status = models.StatusCancelled
		log.WithField("chunks", res.ChunksSent).Info("generation cancelled")
		return res, wrap(ErrCancelled)
	}

	if _, err := c.store.UpdateStatus(fctx, rec.ID, models.StatusFailed); err != nil {
		log.WithError(err).Error("failed to mark generation failed")
	}
	res.Status = models.StatusFailed
	if errors.Is(outcome, errStopped) {
		outcome = ErrUpstreamFailed
	}
	log.WithError(outcome).Warn("generation failed")
	return res, wrap(outcome)
}

func (c *Coordinator) buildRequest(ctx context.Context, rec models.GenerationRecord) providers.ChatRequest {
	req := providers.ChatRequest{Model: rec.Model}

	if c.prompts != nil && c.promptName != "" {
		lookupCtx, cancel := context.WithTimeout(ctx, c.collaboratorTimeout)
		system, err := c.prompts.LoadPrompt(lookupCtx, c.promptName)
		cancel()
		switch {
		case err != nil:
			c.log.WithError(err).WithField("prompt", c.promptName).Warn("system prompt unavailable, sending without it")
		case system != "":
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: system,
			})
		}
	}

	req.Messages = append(req.Messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: rec.Prompt,
	})
	return req
}

func (c *Coordinator) track(id string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.running[id] = cancel
	c.mu.Unlock()
}

func (c *Coordinator) untrack(id string) {
	c.mu.Lock()
	delete(c.running, id)
	c.mu.Unlock()
}

// interrupt cancels the local upstream read of id, if this process owns it.
func (c *Coordinator) interrupt(id string) bool {
	c.mu.Lock()
	cancel, ok := c.running[id]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

type guardedEmitter struct {
	emit Emitter
	gone bool
	log  *logrus.Entry
}

func (g *guardedEmitter) Emit(text string) {
	if g.gone || g.emit == nil {
		return
	}
	if err := g.emit.Emit(text); err != nil {
		g.gone = true
		g.log.WithError(err).Info("client disconnected, buffering remaining content")
	}
}
