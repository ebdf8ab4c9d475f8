// Package api exposes the brokerage engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/terradev/terradev/internal/config"
	"github.com/terradev/terradev/internal/engine"
	"github.com/terradev/terradev/internal/middleware"
	"github.com/terradev/terradev/internal/staging"
	"github.com/terradev/terradev/providers/common"
	"github.com/terradev/terradev/providers/registry"
)

// Handler serves the v1 API on top of one engine instance.
type Handler struct {
	engine  *engine.Engine
	creds   map[common.ProviderID]common.Credentials
	options config.Options
}

func NewHandler(e *engine.Engine, creds map[common.ProviderID]common.Credentials, opts config.Options) *Handler {
	return &Handler{engine: e, creds: creds, options: opts}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	middleware.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"providers": len(registry.Enabled()),
	})
}

func (h *Handler) Providers(w http.ResponseWriter, r *http.Request) {
	type providerInfo struct {
		ID          common.ProviderID `json:"id"`
		Name        string            `json:"name"`
		Reliability float64           `json:"reliability"`
		Configured  bool              `json:"configured"`
	}
	var out []providerInfo
	for _, id := range registry.Enabled() {
		desc, _ := registry.Describe(id)
		out = append(out, providerInfo{
			ID:          id,
			Name:        desc.Name,
			Reliability: desc.Reliability,
			Configured:  len(h.creds[id]) > 0 || id == common.ProviderDemo,
		})
	}
	middleware.RespondJSON(w, http.StatusOK, map[string]interface{}{"providers": out})
}

func (h *Handler) Quotes(w http.ResponseWriter, r *http.Request) {
	var req engine.QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.RespondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return
	}
	req.Credentials = h.creds
	req.Weights = h.options.Optimization
	if req.Parallelism == 0 {
		req.Parallelism = h.options.ParallelQueries
	}

	quotes, err := h.engine.GetQuotes(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	middleware.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"quotes": quotes,
		"count":  len(quotes),
	})
}

func (h *Handler) Provision(w http.ResponseWriter, r *http.Request) {
	var req engine.ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.RespondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return
	}
	req.Credentials = h.creds
	req.Weights = h.options.Optimization
	if req.Parallelism == 0 {
		req.Parallelism = h.options.ParallelQueries
	}
	if req.PriceCeiling == 0 {
		req.PriceCeiling = h.options.MaxPriceThreshold
	}

	resp, err := h.engine.Provision(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusConflict
	}
	middleware.RespondJSON(w, status, resp)
}

type stageRequest struct {
	Dataset     string   `json:"dataset"`
	Regions     []string `json:"regions"`
	Compression string   `json:"compression,omitempty"`
}

func (h *Handler) Stage(w http.ResponseWriter, r *http.Request) {
	var req stageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.RespondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return
	}

	result, err := h.engine.StageDataset(r.Context(), req.Dataset, req.Regions, staging.Codec(req.Compression))
	if err != nil {
		respondError(w, err)
		return
	}
	middleware.RespondJSON(w, http.StatusOK, result)
}

func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	var providers []common.ProviderID
	if p := r.URL.Query().Get("provider"); p != "" {
		providers = []common.ProviderID{common.ProviderID(p)}
	}
	list := h.engine.ListInstances(r.Context(), providers, h.creds)
	middleware.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"instances": list,
		"count":     len(list),
	})
}

func (h *Handler) ManageInstance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	status, err := h.engine.ManageInstance(r.Context(), vars["id"], vars["action"], h.creds)
	if err != nil {
		respondError(w, err)
		return
	}
	middleware.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"instance_id": vars["id"],
		"action":      vars["action"],
		"status":      status,
	})
}

type execRequest struct {
	Command string `json:"command"`
	Async   bool   `json:"async,omitempty"`
}

func (h *Handler) Exec(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.RespondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return
	}

	result, err := h.engine.ExecuteCommand(r.Context(), vars["id"], req.Command, req.Async, h.creds)
	if err != nil {
		respondError(w, err)
		return
	}
	middleware.RespondJSON(w, http.StatusOK, result)
}

func (h *Handler) RateLimits(w http.ResponseWriter, r *http.Request) {
	middleware.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"providers": h.engine.Governor().Snapshot(),
	})
}

// respondError maps engine errors onto HTTP statuses.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, common.ErrInstanceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, common.ErrNotConfigured):
		status = http.StatusPreconditionFailed
	case errors.Is(err, common.ErrExecUnsupported):
		status = http.StatusNotImplemented
	}
	middleware.RespondJSON(w, status, map[string]string{"error": err.Error()})
}
