package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"dex_aggregator/aggregator"
	"dex_aggregator/cache"
	"dex_aggregator/models"
)

// TokenService is the read side of the pipeline. aggregator.Service
// satisfies it.
type TokenService interface {
	Tokens(ctx context.Context) ([]*models.CanonicalToken, error)
	FetchByAddress(ctx context.Context, chain, address string) (*models.CanonicalToken, error)
	Search(ctx context.Context, query string) ([]*models.CanonicalToken, error)
}

type Handler struct {
	svc TokenService
	log *zap.SugaredLogger
}

func NewHandler(svc TokenService, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{svc: svc, log: log}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tokens", h.listTokens)
	mux.HandleFunc("GET /api/tokens/{address}", h.getToken)
	mux.HandleFunc("GET /api/tokens/{chain}/{address}", h.getToken)
	mux.HandleFunc("GET /api/search", h.search)
}

func (h *Handler) listTokens(w http.ResponseWriter, r *http.Request) {
	filter, page, err := ParseListQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tokens, err := h.svc.Tokens(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Paginate(FilterTokens(tokens, filter), page))
}

func (h *Handler) getToken(w http.ResponseWriter, r *http.Request) {
	tok, err := h.svc.FetchByAddress(r.Context(), r.PathValue("chain"), r.PathValue("address"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": tok})
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}

	tokens, err := h.svc.Search(r.Context(), q)
	if err != nil {
		// every provider failed; answer with what we have, which is nothing
		h.log.Warnw("Search failed", "query", q, "error", err)
		tokens = nil
	}
	if tokens == nil {
		tokens = []*models.CanonicalToken{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens, "query": q})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, aggregator.ErrNotFound):
		writeError(w, http.StatusNotFound, "token not found")
	case errors.Is(err, cache.ErrUnavailable):
		h.log.Errorw("Cache unavailable", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "token cache unavailable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		h.log.Errorw("Request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"message": msg}})
}
