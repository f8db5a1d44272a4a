package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/finalize"
	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/generation"
	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/pool"
	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/stream"
	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/tasks"
	"github.com/mrmushfiq/llm0-chat-core/internal/shared/models"
)

// GenerationStore creates and reads generation records.
type GenerationStore interface {
	Create(ctx context.Context, p generation.CreateParams) (models.GenerationRecord, error)
	Get(ctx context.Context, id string) (models.GenerationRecord, bool, error)
}

// Streamer runs, follows and aborts generations.
type Streamer interface {
	Run(ctx context.Context, rec models.GenerationRecord, emit stream.Emitter) (stream.Result, error)
	Follow(ctx context.Context, id string, offset int, emit stream.Emitter) (stream.Result, error)
	Abort(ctx context.Context, id, userID, reason string) (bool, error)
	Validate(ctx context.Context, rec models.GenerationRecord, validators ...stream.Validator) error
}

// Finalizer persists finished generations.
type Finalizer interface {
	Finalize(ctx context.Context, req finalize.Request) (finalize.Result, error)
}

// PoolReporter exposes credential availability.
type PoolReporter interface {
	Available() bool
	Status(ctx context.Context) (pool.PoolStatus, error)
}

// ModelCatalog resolves and validates requested models.
type ModelCatalog interface {
	DefaultModel() string
	ValidateModel(model string) bool
}

// UsageReader reports how many messages a user has been billed for.
type UsageReader interface {
	GetUsage(ctx context.Context, userID string) (int, error)
}

// Scheduler runs background work.
type Scheduler interface {
	Submit(name string, fn tasks.Func) bool
}

// Deps wires a ChatHandler.
type Deps struct {
	Store       GenerationStore
	Streamer    Streamer
	Finalizer   Finalizer
	Pool        PoolReporter
	Models      ModelCatalog
	Usage       UsageReader
	Credentials stream.CredentialResolver
	Tasks       Scheduler
	Validators  []stream.Validator

	FreeMessageLimit    int
	CollaboratorTimeout time.Duration
	Log                 *logrus.Logger
}

type ChatHandler struct {
	Deps
}

func NewChatHandler(d Deps) *ChatHandler {
	if d.CollaboratorTimeout <= 0 {
		d.CollaboratorTimeout = 5 * time.Second
	}
	return &ChatHandler{Deps: d}
}

type createRequest struct {
	ChatID string `json:"chat_id"`
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

type createResponse struct {
	GenerationID string        `json:"generation_id"`
	ChatID       string        `json:"chat_id"`
	Status       models.Status `json:"status"`
}

// HandleCreate handles POST /generation
func (h *ChatHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := UserIDFrom(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	req.ChatID = strings.TrimSpace(req.ChatID)
	if req.ChatID == "" || strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "chat_id and prompt are required")
		return
	}
	if req.Model == "" {
		req.Model = h.Models.DefaultModel()
	}
	if !h.Models.ValidateModel(req.Model) {
		writeError(w, http.StatusBadRequest, "UNKNOWN_MODEL", "model "+req.Model+" is not available")
		return
	}

	log := h.Log.WithFields(logrus.Fields{"user_id": userID, "chat_id": req.ChatID})
	source := h.keySource(ctx, userID, log)

	if source == models.KeySourcePlatform {
		if h.FreeMessageLimit > 0 {
			lookupCtx, cancel := context.WithTimeout(ctx, h.CollaboratorTimeout)
			used, err := h.Usage.GetUsage(lookupCtx, userID)
			cancel()
			if err != nil {
				log.WithError(err).Warn("usage lookup failed, not enforcing free limit")
			} else if used >= h.FreeMessageLimit {
				writeError(w, http.StatusPaymentRequired, "FREE_LIMIT_EXCEEDED", "free message limit reached")
				return
			}
		}
		if !h.Pool.Available() {
			writeError(w, http.StatusPaymentRequired, "ALL_KEYS_EXHAUSTED", "no upstream credential is available")
			return
		}
	}

	rec, err := h.Store.Create(ctx, generation.CreateParams{
		UserID:    userID,
		ChatID:    req.ChatID,
		Prompt:    req.Prompt,
		KeySource: source,
		Model:     req.Model,
	})
	var admission *generation.AdmissionError
	if errors.As(err, &admission) {
		writeError(w, http.StatusConflict, "GENERATION_IN_PROGRESS", "generation "+admission.ActiveID+" is still running for this chat")
		return
	}
	if err != nil {
		log.WithError(err).Error("failed to create generation")
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not create generation")
		return
	}

	if len(h.Validators) > 0 {
		validate := func(ctx context.Context) error {
			err := h.Streamer.Validate(ctx, rec, h.Validators...)
			if errors.Is(err, stream.ErrRejected) {
				log.WithField("generation_id", rec.ID).WithError(err).Info("generation rejected")
				return nil
			}
			return err
		}
		// Without a queue slot the check runs before answering.
		if h.Tasks == nil || !h.Tasks.Submit("validate:"+rec.ID, validate) {
			vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.CollaboratorTimeout)
			if err := validate(vctx); err != nil {
				log.WithError(err).WithField("generation_id", rec.ID).Error("inline validation failed")
			}
			if cur, found, err := h.Store.Get(vctx, rec.ID); err == nil && found {
				rec.Status = cur.Status
			}
			cancel()
		}
	}

	log.WithField("generation_id", rec.ID).Info("generation created")
	writeJSON(w, http.StatusCreated, createResponse{
		GenerationID: rec.ID,
		ChatID:       rec.ChatID,
		Status:       rec.Status,
	})
}

// keySource prefers the user's own key when one is stored.
func (h *ChatHandler) keySource(ctx context.Context, userID string, log *logrus.Entry) models.KeySource {
	if h.Credentials == nil {
		return models.KeySourcePlatform
	}
	lookupCtx, cancel := context.WithTimeout(ctx, h.CollaboratorTimeout)
	defer cancel()

	_, found, err := h.Credentials.ResolveUserCredential(lookupCtx, userID)
	if err != nil {
		log.WithError(err).Warn("user credential lookup failed, using platform pool")
		return models.KeySourcePlatform
	}
	if found {
		return models.KeySourceUser
	}
	return models.KeySourcePlatform
}

type tokenEvent struct {
	Content string `json:"content"`
}

type doneEvent struct {
	Status     models.Status `json:"status"`
	ChunksSent int           `json:"chunks_sent"`
}

// HandleStream handles GET /generation/{id}/stream. The first viewer of a
// pending generation runs it; everyone else follows the buffer.
func (h *ChatHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, ok := h.ownedRecord(w, r)
	if !ok {
		return
	}

	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	emit := stream.EmitterFunc(func(chunk string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return sse.event("token", tokenEvent{Content: chunk})
	})

	var res stream.Result
	if rec.Status == models.StatusPending && offset == 0 {
		res, err = h.Streamer.Run(ctx, rec, emit)
		if errors.Is(err, stream.ErrNotClaimed) {
			res, err = h.Streamer.Follow(ctx, rec.ID, 0, emit)
		}
	} else {
		res, err = h.Streamer.Follow(ctx, rec.ID, offset, emit)
	}

	if ctx.Err() != nil {
		return
	}
	h.finishStream(sse, rec.ID, res, err)
}

func (h *ChatHandler) finishStream(sse *sseWriter, id string, res stream.Result, err error) {
	log := h.Log.WithField("generation_id", id)

	switch {
	case err == nil && res.Status != models.StatusFailed:
		sse.event("done", doneEvent{Status: res.Status, ChunksSent: res.ChunksSent})
	case err == nil:
		sse.event("error", errorResponse{Error: "UPSTREAM_FAILED", Message: "generation failed"})
	case errors.Is(err, stream.ErrCancelled):
		sse.event("done", doneEvent{Status: models.StatusCancelled, ChunksSent: res.ChunksSent})
	case errors.Is(err, pool.ErrAllCredentialsExhausted):
		sse.event("error", errorResponse{Error: "ALL_KEYS_EXHAUSTED", Message: "no upstream credential is available"})
	case errors.Is(err, stream.ErrGenerationTimeout):
		sse.event("error", errorResponse{Error: "GENERATION_TIMEOUT", Message: "generation took too long"})
	case errors.Is(err, stream.ErrNoUserCredential):
		sse.event("error", errorResponse{Error: "NO_USER_CREDENTIAL", Message: "no upstream key stored for this user"})
	case stream.IsTerminal(err):
		sse.event("error", errorResponse{Error: "UPSTREAM_FAILED", Message: "generation failed"})
	default:
		log.WithError(err).Error("stream failed")
		sse.event("error", errorResponse{Error: "INTERNAL", Message: "stream interrupted"})
	}
}

// HandleGet handles GET /generation/{id}
func (h *ChatHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.ownedRecord(w, r)
	if !ok {
		return
	}
	if rec.Status == models.StatusCleaned {
		rec.Content = ""
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleCancel handles POST /generation/{id}/cancel. It always answers 200.
func (h *ChatHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID, _ := UserIDFrom(r.Context())

	changed, err := h.Streamer.Abort(r.Context(), id, userID, "user")
	if err != nil && !errors.Is(err, stream.ErrNotOwner) {
		h.Log.WithError(err).WithField("generation_id", id).Error("cancel failed")
	}

	status := "ok"
	if changed {
		status = string(models.StatusCancelled)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

type finalizeRequest struct {
	FinalContent *string        `json:"final_content,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// HandleFinalize handles POST /generation/{id}/finalize
func (h *ChatHandler) HandleFinalize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID, _ := UserIDFrom(r.Context())

	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	res, err := h.Finalizer.Finalize(r.Context(), finalize.Request{
		GenerationID: id,
		UserID:       userID,
		FinalContent: req.FinalContent,
		Metadata:     req.Metadata,
	})
	if err != nil {
		h.Log.WithError(err).WithField("generation_id", id).Error("finalize failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL", "finalize failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandlePoolStatus handles GET /pool/status
func (h *ChatHandler) HandlePoolStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Pool.Status(r.Context())
	if err != nil {
		h.Log.WithError(err).Error("pool status failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL", "pool status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ownedRecord loads the {id} record and answers 404 unless the caller owns it.
func (h *ChatHandler) ownedRecord(w http.ResponseWriter, r *http.Request) (models.GenerationRecord, bool) {
	id := chi.URLParam(r, "id")
	userID, _ := UserIDFrom(r.Context())

	rec, found, err := h.Store.Get(r.Context(), id)
	if err != nil {
		h.Log.WithError(err).WithField("generation_id", id).Error("generation lookup failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL", "generation lookup failed")
		return models.GenerationRecord{}, false
	}
	if !found || rec.UserID != userID {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "generation not found")
		return models.GenerationRecord{}, false
	}
	return rec, true
}
