package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilianp07/jobdispatch/core/dispatch/audit"
	"github.com/kilianp07/jobdispatch/core/events"
	"github.com/kilianp07/jobdispatch/core/model"
	"github.com/kilianp07/jobdispatch/core/store"
)

// ActiveWeights returns the weight version new dispatch runs use. Version 0
// denotes the configured defaults when nothing has been stored yet.
func (e *Engine) ActiveWeights(ctx context.Context) (model.DispatchConfig, error) {
	cfg, err := e.store.ActiveWeights(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return model.DispatchConfig{Version: 0, Weights: e.cfg.DefaultWeights}, nil
	}
	return cfg, err
}

// activeWeights is read once per run; a store failure falls back to the
// defaults rather than blocking dispatch.
func (e *Engine) activeWeights(ctx context.Context) model.DispatchConfig {
	cfg, err := e.ActiveWeights(ctx)
	if err != nil {
		e.logger.Errorf("load dispatch weights: %v", err)
		return model.DispatchConfig{Weights: e.cfg.DefaultWeights}
	}
	return cfg
}

// SetWeights validates and activates a new weight version. Runs already in
// progress keep the version they started with.
func (e *Engine) SetWeights(ctx context.Context, w model.Weights, updatedBy string) (model.DispatchConfig, error) {
	if err := w.Validate(); err != nil {
		return model.DispatchConfig{}, fmt.Errorf("set weights: %w", err)
	}
	prev, _ := e.ActiveWeights(ctx)
	cfg, err := e.store.PutWeights(ctx, w, updatedBy, e.now())
	if err != nil {
		return model.DispatchConfig{}, fmt.Errorf("set weights: %w", err)
	}
	e.publish(events.WeightsEvent{Config: cfg})
	e.appendAudit(ctx, audit.Record{Timestamp: cfg.UpdatedAt, Kind: audit.KindWeightsChanged, Detail: map[string]any{
		"version": cfg.Version, "previous_version": prev.Version, "weights": cfg.Weights,
		"previous_weights": prev.Weights, "updated_by": updatedBy,
	}})
	e.logger.Infof("dispatch weights version %d activated by %s", cfg.Version, updatedBy)
	return cfg, nil
}

// WeightsHistory lists every stored weight version.
func (e *Engine) WeightsHistory(ctx context.Context) ([]model.DispatchConfig, error) {
	return e.store.WeightsHistory(ctx)
}
