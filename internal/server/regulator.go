package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"homeostat/internal/domain"
	"homeostat/internal/ledger"
	"homeostat/internal/regulator"
)

func registerRegulator(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "run-regulator-cycle",
		Method:      http.MethodPost,
		Path:        "/regulator/cycles",
		Summary:     "Run one regulator cycle over every boundary",
		Errors:      []int{http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body regulator.CycleResult `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if cfg.Regulator == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "regulator_disabled", "regulator is not configured", nil)
		}
		res, err := cfg.Regulator.RunCycle(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body regulator.CycleResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/regulator/executions",
		Summary:     "List action execution ledger rows",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		BoundaryOrganismID string `query:"boundary_organism_id"`
		ActionOrganismID   string `query:"action_organism_id"`
		Status             string `query:"status" enum:"processing,succeeded,failed,proposal-created,declined"`
		Limit              int    `query:"limit"`
	}) (*struct {
		Body []domain.ActionExecution `json:"body"`
	}, error) {
		if cfg.Ledger == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "regulator_disabled", "execution ledger is not configured", nil)
		}
		items, err := cfg.Ledger.List(ctx, ledger.Filter{
			BoundaryOrganismID: input.BoundaryOrganismID,
			ActionOrganismID:   input.ActionOrganismID,
			Status:             input.Status,
			Limit:              normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ActionExecution `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runtime-log",
		Method:      http.MethodGet,
		Path:        "/regulator/log",
		Summary:     "List regulator runtime log entries",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		CycleID string `query:"cycle_id"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []domain.RuntimeLogEntry `json:"body"`
	}, error) {
		if cfg.RuntimeLog == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "regulator_disabled", "runtime log is not configured", nil)
		}
		items, err := cfg.RuntimeLog.ListRuntimeLog(ctx, input.CycleID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RuntimeLogEntry `json:"body"`
		}{Body: nonNil(items)}, nil
	})
}
