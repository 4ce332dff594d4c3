package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/trialguard/internal/domain"
	"github.com/opensource-finance/trialguard/internal/engine"
	"github.com/opensource-finance/trialguard/internal/feed"
	"github.com/opensource-finance/trialguard/internal/repository"
	"github.com/opensource-finance/trialguard/internal/summary"
	"github.com/opensource-finance/trialguard/internal/tenantcfg"
)

const (
	maxBodyBytes   = 4 << 20
	maxBatchSize   = 1000
	maxFeedLimit   = 1000
	defaultLimit   = 100
	readyTimeout   = 2 * time.Second
	publishTimeout = 5 * time.Second
)

// Evaluator is the decision engine as seen by the API.
type Evaluator interface {
	Evaluate(ctx context.Context, ev domain.Event) (*domain.DecisionRecord, error)
	EvaluateBatch(ctx context.Context, events []domain.Event) []engine.BatchResult
	Account(key domain.Key, at time.Time) (engine.AccountView, bool)
}

// ConfigStore reads and replaces tenant configurations.
type ConfigStore interface {
	Get(tenantID string) (*tenantcfg.Snapshot, error)
	Replace(ctx context.Context, tenantID string, cfg *domain.TenantConfig) (*tenantcfg.Snapshot, error)
}

// FeedReader polls the in-memory decision feed.
type FeedReader interface {
	Since(after uint64, limit int) ([]*domain.DecisionRecord, uint64)
	Last() uint64
}

// SummaryReader serves per-tenant dashboard figures.
type SummaryReader interface {
	Summary(tenantID string, now time.Time) summary.Summary
}

// Streamer upgrades a request into a tenant-bound decision stream.
type Streamer interface {
	ServeTenant(w http.ResponseWriter, r *http.Request, tenantID string)
}

// Deps wires the handler. Engine, Configs and Feed are required; the rest may be nil.
type Deps struct {
	Engine  Evaluator
	Configs ConfigStore
	Feed    FeedReader
	Summary SummaryReader
	Hub     Streamer
	Repo    domain.Repository
	Cache   domain.Cache
	Bus     domain.EventBus

	// AsyncIngest publishes ingested events to the bus for the worker instead
	// of evaluating them in the request. Ignored without a bus.
	AsyncIngest bool

	Version string
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Handler holds dependencies for API handlers.
type Handler struct {
	Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Handler{Deps: deps}
}

// EventRequest is the body of POST /events. TenantID defaults to the request
// tenant and Timestamp to the time of receipt.
type EventRequest struct {
	ID         string            `json:"id,omitempty"`
	TenantID   string            `json:"tenantId,omitempty"`
	AccountID  string            `json:"accountId"`
	Timestamp  time.Time         `json:"timestamp,omitempty"`
	Kind       domain.EventKind  `json:"kind"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// BatchRequest is the body of POST /events/batch.
type BatchRequest struct {
	Events []EventRequest `json:"events"`
}

// BatchItem is one entry of a batch response, in input order.
type BatchItem struct {
	Decision *domain.DecisionRecord `json:"decision,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Status   int                    `json:"status"`
}

// BatchResponse is the response of POST /events/batch.
type BatchResponse struct {
	Results  []BatchItem `json:"results"`
	Accepted int         `json:"accepted"`
	Rejected int         `json:"rejected"`
}

// FeedResponse is the response of GET /decisions.
type FeedResponse struct {
	Decisions []*domain.DecisionRecord `json:"decisions"`
	Next      uint64                   `json:"next"`
	Last      uint64                   `json:"last"`
}

// AccountResponse is the response of GET /accounts/{id}.
type AccountResponse struct {
	Account        *engine.AccountView    `json:"account,omitempty"`
	LatestDecision *domain.DecisionRecord `json:"latestDecision,omitempty"`
}

func (h *Handler) toEvent(tenantID string, req EventRequest) (domain.Event, error) {
	if req.TenantID != "" && req.TenantID != tenantID {
		return domain.Event{}, fmt.Errorf("%w: tenantId %q does not match %s", domain.ErrInvalidEvent, req.TenantID, TenantIDHeader)
	}
	ev := domain.Event{
		ID:         req.ID,
		TenantID:   tenantID,
		AccountID:  req.AccountID,
		Timestamp:  req.Timestamp,
		Kind:       req.Kind,
		Attributes: req.Attributes,
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.Clock().UTC()
	}
	return ev, ev.Validate()
}

// IngestEvent handles POST /events.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req EventRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	ev, err := h.toEvent(tenantID, req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	if h.async() {
		if err := h.publish(ctx, tenantID, []domain.Event{ev}); err != nil {
			h.Logger.Error("failed to publish event", "tenant_id", tenantID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "event bus unavailable")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": 1, "eventId": ev.ID})
		return
	}

	rec, err := h.Engine.Evaluate(ctx, ev)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// IngestBatch handles POST /events/batch. The body is either a BatchRequest or
// a bare JSON array of events.
func (h *Handler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	reqs, err := decodeBatch(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if len(reqs) == 0 {
		writeError(w, http.StatusBadRequest, "events must not be empty")
		return
	}
	if len(reqs) > maxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("batch exceeds %d events", maxBatchSize))
		return
	}

	resp := BatchResponse{Results: make([]BatchItem, len(reqs))}
	events := make([]domain.Event, 0, len(reqs))
	index := make([]int, 0, len(reqs))
	for i, req := range reqs {
		ev, err := h.toEvent(tenantID, req)
		if err != nil {
			resp.Results[i] = BatchItem{Error: err.Error(), Status: statusFor(err)}
			resp.Rejected++
			continue
		}
		events = append(events, ev)
		index = append(index, i)
	}

	if h.async() {
		if len(events) > 0 {
			if err := h.publish(ctx, tenantID, events); err != nil {
				h.Logger.Error("failed to publish batch", "tenant_id", tenantID, "events", len(events), "error", err)
				writeError(w, http.StatusServiceUnavailable, "event bus unavailable")
				return
			}
		}
		for _, i := range index {
			resp.Results[i] = BatchItem{Status: http.StatusAccepted}
		}
		resp.Accepted = len(events)
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	for j, res := range h.Engine.EvaluateBatch(ctx, events) {
		i := index[j]
		if res.Err != nil {
			resp.Results[i] = BatchItem{Error: res.Err.Error(), Status: statusFor(res.Err)}
			resp.Rejected++
			continue
		}
		resp.Results[i] = BatchItem{Decision: res.Record, Status: http.StatusOK}
		resp.Accepted++
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) async() bool {
	return h.AsyncIngest && h.Bus != nil
}

func (h *Handler) publish(ctx context.Context, tenantID string, events []domain.Event) error {
	var payload []byte
	var err error
	if len(events) == 1 {
		payload, err = json.Marshal(events[0])
	} else {
		payload, err = json.Marshal(events)
	}
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return h.Bus.Publish(ctx, tenantID, domain.TopicEventIngested, payload)
}

// ListFeed handles GET /decisions?since=<seq>&limit=<n>. The feed is shared by
// every tenant; records of other tenants are skipped but still advance Next.
func (h *Handler) ListFeed(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	since, err := parseUint(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "since must be a sequence number")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), maxFeedLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, next := h.Feed.Since(since, limit)
	out := make([]*domain.DecisionRecord, 0, len(recs))
	for _, rec := range recs {
		if rec.TenantID == tenantID {
			out = append(out, rec)
		}
	}
	writeJSON(w, http.StatusOK, FeedResponse{Decisions: out, Next: next, Last: h.Feed.Last()})
}

// GetDecision handles GET /decisions/{id} from the durable store.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	if h.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	rec, err := h.Repo.GetDecision(ctx, tenantID, id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			h.Logger.Error("failed to get decision", "tenant_id", tenantID, "id", id, "error", err)
		}
		writeError(w, statusFor(err), "decision not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetAccount handles GET /accounts/{id}: the engine's live view plus the
// latest cached decision, which survives eviction from the engine.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	key := domain.Key{TenantID: tenantID, AccountID: chi.URLParam(r, "id")}

	var resp AccountResponse
	if view, ok := h.Engine.Account(key, h.Clock()); ok {
		resp.Account = &view
		resp.LatestDecision = view.LastDecision
	}
	if h.Cache != nil {
		cached, err := h.Cache.GetLatestDecision(ctx, tenantID, key.AccountID)
		if err != nil {
			h.Logger.Warn("failed to read cached decision", "tenant_id", tenantID, "account_id", key.AccountID, "error", err)
		} else if cached != nil && (resp.LatestDecision == nil || cached.Sequence > resp.LatestDecision.Sequence) {
			resp.LatestDecision = cached
		}
	}

	if resp.Account == nil && resp.LatestDecision == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListAccountDecisions handles GET /accounts/{id}/decisions?since=<RFC3339>&limit=<n>.
func (h *Handler) ListAccountDecisions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	accountID := chi.URLParam(r, "id")

	if h.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), maxFeedLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := h.Repo.ListDecisionsByAccount(ctx, tenantID, accountID, since, limit)
	if err != nil {
		h.Logger.Error("failed to list decisions", "tenant_id", tenantID, "account_id", accountID, "error", err)
		writeError(w, statusFor(err), "failed to list decisions")
		return
	}
	if recs == nil {
		recs = []*domain.DecisionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"decisions": recs,
		"count":     len(recs),
	})
}

// GetConfig handles GET /config.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Configs.Get(GetTenantID(r.Context()))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap.Config)
}

// PutConfig handles PUT /config. A tenant without a configuration is created.
func (h *Handler) PutConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var cfg domain.TenantConfig
	if err := decodeBody(w, r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body: "+err.Error())
		return
	}
	if cfg.TenantID != "" && cfg.TenantID != tenantID {
		writeError(w, http.StatusBadRequest, "tenantId does not match "+TenantIDHeader)
		return
	}

	snap, err := h.Configs.Replace(ctx, tenantID, &cfg)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.Logger.Error("failed to replace tenant config", "tenant_id", tenantID, "error", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap.Config)
}

// GetSummary handles GET /summary.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	if h.Summary == nil {
		writeError(w, http.StatusServiceUnavailable, "summary not available")
		return
	}
	writeJSON(w, http.StatusOK, h.Summary.Summary(GetTenantID(r.Context()), h.Clock()))
}

// Stream handles GET /stream by upgrading to a WebSocket.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "stream not available")
		return
	}
	h.Hub.ServeTenant(w, r, GetTenantID(r.Context()))
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(r.Context()); err != nil {
			status = "degraded"
			components[name] = err.Error()
			return
		}
		components[name] = "ok"
	}
	if h.Repo != nil {
		check("repository", h.Repo.Ping)
	}
	if h.Cache != nil {
		check("cache", h.Cache.Ping)
	}
	if h.Bus != nil {
		check("bus", h.Bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    h.Version,
		"components": components,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Repo != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := h.Repo.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// statusFor maps engine, config and repository errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownTenant), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidConfig), errors.Is(err, domain.ErrInvalidEvent),
		errors.Is(err, repository.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOutOfOrderEvent):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func decodeBatch(w http.ResponseWriter, r *http.Request) ([]EventRequest, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	var reqs []EventRequest
	if err := json.Unmarshal(body, &reqs); err == nil {
		return reqs, nil
	}
	var batch BatchRequest
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, err
	}
	return batch.Events, nil
}

func parseUint(v string) (uint64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

func parseLimit(v string, max int) (int, error) {
	if v == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

var (
	_ Evaluator   = (*engine.Engine)(nil)
	_ ConfigStore = (*tenantcfg.Store)(nil)
	_ FeedReader  = (*feed.Feed)(nil)
)
