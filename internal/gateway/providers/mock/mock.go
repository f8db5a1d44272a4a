// Package mock is a scripted upstream for tests.
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/providers"
)

// Factory hands out mock providers bound to a key, like providers.Manager.
type Factory struct {
	mu        sync.Mutex
	chunks    []string
	delay     time.Duration
	keyErrs   map[string]error
	stalls    map[string]int
	midErr    error
	failAfter int
	onChunk   func(key string, i int)
	calls     []string
}

// Option configures a Factory.
type Option func(*Factory)

// New creates a factory. By default every stream yields "Hello", " from", " mock".
func New(opts ...Option) *Factory {
	f := &Factory{
		chunks:  []string{"Hello", " from", " mock"},
		keyErrs: make(map[string]error),
		stalls:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithChunks sets the text chunks every stream yields.
func WithChunks(chunks ...string) Option {
	return func(f *Factory) { f.chunks = chunks }
}

// WithChunkDelay waits before each chunk, honoring context cancellation.
func WithChunkDelay(d time.Duration) Option {
	return func(f *Factory) { f.delay = d }
}

// WithKeyError makes opening a stream with key fail with err.
func WithKeyError(key string, err error) Option {
	return func(f *Factory) { f.keyErrs[key] = err }
}

// WithStallAfter makes streams opened with key go silent after n chunks
// until their context ends, like an upstream that stops sending mid-body.
func WithStallAfter(key string, n int) Option {
	return func(f *Factory) { f.stalls[key] = n }
}

// WithFailAfter makes every stream fail with err after n chunks.
func WithFailAfter(n int, err error) Option {
	return func(f *Factory) {
		f.failAfter = n
		f.midErr = err
	}
}

// WithOnChunk runs fn before chunk i of a stream opened with key is returned.
func WithOnChunk(fn func(key string, i int)) Option {
	return func(f *Factory) { f.onChunk = fn }
}

// ForKey returns a provider bound to apiKey.
func (f *Factory) ForKey(apiKey, model string) (providers.Provider, error) {
	return &Provider{f: f, key: apiKey}, nil
}

// Calls lists the keys streams were opened with, in order.
func (f *Factory) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Provider is a mock upstream bound to one key.
type Provider struct {
	f   *Factory
	key string
}

var _ providers.Provider = (*Provider)(nil)

func (p *Provider) ChatCompletionStream(ctx context.Context, req providers.ChatRequest) (providers.StreamReader, error) {
	p.f.mu.Lock()
	p.f.calls = append(p.f.calls, p.key)
	err := p.f.keyErrs[p.key]
	p.f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &Stream{ctx: ctx, f: p.f, key: p.key}, nil
}

func (p *Provider) ValidateModel(model string) bool { return true }

func (p *Provider) GetProviderName() string { return "mock" }

// Stream replays the factory's chunks.
type Stream struct {
	ctx context.Context
	f   *Factory
	key string
	i   int
}

func (s *Stream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if s.f.midErr != nil && s.i == s.f.failAfter {
		return openai.ChatCompletionStreamResponse{}, s.f.midErr
	}
	if n, ok := s.f.stalls[s.key]; ok && s.i >= n {
		<-s.ctx.Done()
		return openai.ChatCompletionStreamResponse{}, s.ctx.Err()
	}
	if s.f.delay > 0 {
		select {
		case <-time.After(s.f.delay):
		case <-s.ctx.Done():
			return openai.ChatCompletionStreamResponse{}, s.ctx.Err()
		}
	}
	if err := s.ctx.Err(); err != nil {
		return openai.ChatCompletionStreamResponse{}, err
	}
	if s.i >= len(s.f.chunks) {
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}

	if s.f.onChunk != nil {
		s.f.onChunk(s.key, s.i)
	}
	text := s.f.chunks[s.i]
	s.i++
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{
			{Delta: openai.ChatCompletionStreamChoiceDelta{Content: text}},
		},
	}, nil
}

func (s *Stream) Close() error { return nil }
