// Package jobs exposes the dispatch engine over HTTP.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kilianp07/jobdispatch/core/dispatch"
	"github.com/kilianp07/jobdispatch/core/geo"
	"github.com/kilianp07/jobdispatch/core/jobstate"
	"github.com/kilianp07/jobdispatch/core/logger"
	"github.com/kilianp07/jobdispatch/core/model"
	"github.com/kilianp07/jobdispatch/core/store"
)

// Engine is the subset of *dispatch.Engine served by the router.
type Engine interface {
	Dispatch(ctx context.Context, jobID string) (dispatch.Result, error)
	Respond(ctx context.Context, jobID, agentID string, action dispatch.Action, reason string) (dispatch.RespondResult, error)
	Progress(ctx context.Context, jobID, agentID string, to model.JobStatus) (model.Job, error)
	CancelJob(ctx context.Context, jobID, reason string, acknowledgeFee bool) (dispatch.CancelResult, error)
	CancellationFeeQuote(ctx context.Context, jobID string) (*model.FeeQuote, error)
	CancelAssignment(ctx context.Context, jobID, agentID, reason string) (dispatch.AssignmentResult, error)
	Reassign(ctx context.Context, jobID, reason string) (dispatch.AssignmentResult, error)
	Attempts(ctx context.Context, jobID string) ([]model.Attempt, error)
	ActiveWeights(ctx context.Context) (model.DispatchConfig, error)
	SetWeights(ctx context.Context, w model.Weights, updatedBy string) (model.DispatchConfig, error)
	WeightsHistory(ctx context.Context) ([]model.DispatchConfig, error)
}

// Handler serves the job endpoints.
type Handler struct {
	engine Engine
	jobs   store.JobStore
	agents store.AgentWriter
	log    logger.Logger
	now    func() time.Time
}

// NewHandler builds the handler. agents may be nil, in which case agent
// seeding is not exposed.
func NewHandler(engine Engine, jobs store.JobStore, agents store.AgentWriter, log logger.Logger) *Handler {
	return &Handler{engine: engine, jobs: jobs, agents: agents, log: logger.OrNop(log), now: time.Now}
}

// Router returns the chi.Router for the job API.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/jobs", h.createJob)
	r.Route("/jobs/{jobID}", func(r chi.Router) {
		r.Get("/", h.getJob)
		r.Post("/dispatch", h.dispatch)
		r.Get("/attempts", h.attempts)
		r.Post("/responses", h.respond)
		r.Post("/progress", h.progress)
		r.Get("/cancellation-fee", h.feeQuote)
		r.Post("/cancel", h.cancel)
		r.Post("/assignment/cancel", h.cancelAssignment)
		r.Post("/reassign", h.reassign)
	})
	r.Get("/weights", h.activeWeights)
	r.Put("/weights", h.setWeights)
	r.Get("/weights/history", h.weightsHistory)
	if h.agents != nil {
		r.Put("/agents/{agentID}", h.upsertAgent)
	}
	return r
}

type createJobRequest struct {
	ID                string            `json:"id"`
	RequiredSkill     string            `json:"required_skill"`
	Address           string            `json:"address"`
	Location          *geo.Point        `json:"location"`
	Priority          int               `json:"priority"`
	AccountType       model.AccountType `json:"account_type"`
	DisplacementPrice float64           `json:"displacement_price"`
	// Dispatch starts the first run right after creation.
	Dispatch bool `json:"dispatch"`
}

type createJobResponse struct {
	Job      model.Job        `json:"job"`
	Dispatch *dispatch.Result `json:"dispatch,omitempty"`
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RequiredSkill == "" {
		writeError(w, http.StatusBadRequest, errors.New("required_skill is required"))
		return
	}
	if req.Location == nil && req.Address == "" {
		writeError(w, http.StatusBadRequest, errors.New("location or address is required"))
		return
	}
	if req.Location != nil {
		if err := req.Location.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.AccountType == "" {
		req.AccountType = model.AccountIndividual
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	job := model.Job{
		ID:                req.ID,
		Status:            model.JobNew,
		RequiredSkill:     req.RequiredSkill,
		Address:           req.Address,
		Location:          req.Location,
		Priority:          req.Priority,
		AccountType:       req.AccountType,
		DisplacementPrice: req.DisplacementPrice,
		CreatedAt:         h.now().UTC(),
	}
	if err := h.jobs.CreateJob(r.Context(), job); err != nil {
		writeEngineError(w, err)
		return
	}
	resp := createJobResponse{Job: job}
	if req.Dispatch {
		res, err := h.engine.Dispatch(r.Context(), job.ID)
		if err != nil {
			h.log.Warnf("dispatch after create %s: %v", job.ID, err)
		} else {
			resp.Dispatch = &res
		}
	}
	if stored, err := h.jobs.GetJob(r.Context(), job.ID); err == nil {
		resp.Job = stored
	}
	w.Header().Set("Location", fmt.Sprintf("jobs/%s", job.ID))
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Dispatch(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) attempts(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.Attempts(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if list == nil {
		list = []model.Attempt{}
	}
	writeJSON(w, http.StatusOK, list)
}

type respondRequest struct {
	AgentID string `json:"agent_id"`
	Action  string `json:"action"`
	Reason  string `json:"reason"`
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !decode(w, r, &req) {
		return
	}
	action, err := dispatch.ParseAction(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.engine.Respond(r.Context(), chi.URLParam(r, "jobID"), req.AgentID, action, req.Reason)
	if err != nil {
		// the losing side of a race still gets the structured answer
		if errors.Is(err, dispatch.ErrAlreadyResolved) {
			writeJSON(w, http.StatusConflict, res)
			return
		}
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type progressRequest struct {
	AgentID string          `json:"agent_id"`
	Status  model.JobStatus `json:"status"`
}

func (h *Handler) progress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if !decode(w, r, &req) {
		return
	}
	job, err := h.engine.Progress(r.Context(), chi.URLParam(r, "jobID"), req.AgentID, req.Status)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type feeQuoteResponse struct {
	HasFees bool            `json:"has_fees"`
	Quote   *model.FeeQuote `json:"quote,omitempty"`
}

func (h *Handler) feeQuote(w http.ResponseWriter, r *http.Request) {
	q, err := h.engine.CancellationFeeQuote(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feeQuoteResponse{HasFees: q != nil, Quote: q})
}

type cancelRequest struct {
	Reason         string `json:"reason"`
	AcknowledgeFee bool   `json:"acknowledge_fee"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.CancelJob(r.Context(), chi.URLParam(r, "jobID"), req.Reason, req.AcknowledgeFee)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type releaseRequest struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

func (h *Handler) cancelAssignment(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.CancelAssignment(r.Context(), chi.URLParam(r, "jobID"), req.AgentID, req.Reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) reassign(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.Reassign(r.Context(), chi.URLParam(r, "jobID"), req.Reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) activeWeights(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.engine.ActiveWeights(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type setWeightsRequest struct {
	Weights   model.Weights `json:"weights"`
	UpdatedBy string        `json:"updated_by"`
}

func (h *Handler) setWeights(w http.ResponseWriter, r *http.Request) {
	var req setWeightsRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Weights.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg, err := h.engine.SetWeights(r.Context(), req.Weights, req.UpdatedBy)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) weightsHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := h.engine.WeightsHistory(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if hist == nil {
		hist = []model.DispatchConfig{}
	}
	writeJSON(w, http.StatusOK, hist)
}

func (h *Handler) upsertAgent(w http.ResponseWriter, r *http.Request) {
	var a model.Agent
	if !decode(w, r, &a) {
		return
	}
	a.ID = chi.URLParam(r, "agentID")
	if a.Location != nil {
		if err := a.Location.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if err := h.agents.UpsertAgent(r.Context(), a); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps engine and store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrJobNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrUnknownAction), errors.Is(err, geo.ErrInvalidCoordinate):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrAlreadyResolved),
		errors.Is(err, dispatch.ErrNoPendingOffer),
		errors.Is(err, dispatch.ErrJobTerminal),
		errors.Is(err, dispatch.ErrNotAssigned),
		errors.Is(err, jobstate.ErrInvalidTransition),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}
