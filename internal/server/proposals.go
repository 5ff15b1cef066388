package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"homeostat/internal/domain"
	"homeostat/internal/engine"
	"homeostat/internal/engine/evaluation"
)

type OpenProposalRequest struct {
	Mutation domain.Mutation `json:"mutation"`
}

type DeclineProposalRequest struct {
	Reason string `json:"reason,omitempty"`
}

type IntegrateResponse struct {
	Proposal domain.Proposal    `json:"proposal"`
	Outcome  evaluation.Outcome `json:"outcome"`
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-proposal",
		Method:        http.MethodPost,
		Path:          "/organisms/{organism_id}/proposals",
		Summary:       "Open a proposal against an organism",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrganismID string              `path:"organism_id"`
		Body       OpenProposalRequest `json:"body"`
	}) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.OpenProposal(ctx, engine.OpenProposalOptions{
			OrganismID: input.OrganismID,
			Mutation:   input.Body.Mutation,
			ActorID:    userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/organisms/{organism_id}/proposals",
		Summary:     "List proposals of an organism",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrganismID string `path:"organism_id"`
		Status     string `query:"status" enum:"open,integrated,declined"`
	}) (*struct {
		Body []domain.Proposal `json:"body"`
	}, error) {
		if _, err := requireView(ctx, e, input.OrganismID); err != nil {
			return nil, err
		}
		items, err := e.ListProposals(ctx, input.OrganismID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Proposal `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{proposal_id}",
		Summary:     "Get proposal",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		p, err := e.GetProposal(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := requireView(ctx, e, p.OrganismID); err != nil {
			return nil, err
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/evaluate",
		Summary:     "Evaluate the policies composed into the proposal's organism",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body evaluation.Outcome `json:"body"`
	}, error) {
		p, err := e.GetProposal(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := requireView(ctx, e, p.OrganismID); err != nil {
			return nil, err
		}
		outcome, err := e.EvaluateProposal(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body evaluation.Outcome `json:"body"`
		}{Body: outcome}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "integrate-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/integrate",
		Summary:     "Integrate an open proposal",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body IntegrateResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, outcome, err := e.IntegrateProposal(ctx, input.ProposalID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntegrateResponse `json:"body"`
		}{Body: IntegrateResponse{Proposal: p, Outcome: outcome}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decline-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/decline",
		Summary:     "Decline an open proposal",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProposalID string                 `path:"proposal_id"`
		Body       DeclineProposalRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.DeclineProposal(ctx, input.ProposalID, userID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: p}, nil
	})
}
