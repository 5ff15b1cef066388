package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"homeostat/internal/domain"
	"homeostat/internal/engine"
	"homeostat/internal/engine/auth"
	"homeostat/internal/repo"
)

type CreateOrganismRequest struct {
	ID            string          `json:"id,omitempty"`
	Name          string          `json:"name"`
	ContentTypeID string          `json:"content_type_id"`
	Payload       json.RawMessage `json:"payload"`
	OpenTrunk     bool            `json:"open_trunk,omitempty"`
	Visibility    string          `json:"visibility,omitempty" enum:"public,members,private"`
	ForkedFromID  string          `json:"forked_from_id,omitempty"`
}

type OrganismResponse struct {
	Organism     domain.Organism `json:"organism"`
	CurrentState *domain.State   `json:"current_state,omitempty"`
	Visibility   string          `json:"visibility"`
}

type AppendStateRequest struct {
	ContentTypeID string          `json:"content_type_id"`
	Payload       json.RawMessage `json:"payload"`
}

type ComposeRequest struct {
	ChildID  string `json:"child_id"`
	Position *int   `json:"position,omitempty"`
}

type VisibilityRequest struct {
	Level string `json:"level" enum:"public,members,private"`
}

type GrantRelationshipRequest struct {
	UserID string `json:"user_id"`
	Type   string `json:"type" enum:"membership,integration-authority"`
	Role   string `json:"role,omitempty"`
}

type ObservationRequest struct {
	Metric    string     `json:"metric"`
	Value     float64    `json:"value"`
	SampledAt *time.Time `json:"sampled_at,omitempty"`
}

type AccessResponse struct {
	UserID     string `json:"user_id"`
	OrganismID string `json:"organism_id"`
	Action     string `json:"action"`
	auth.Decision
}

func registerContentTypes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-content-types",
		Method:      http.MethodGet,
		Path:        "/content-types",
		Summary:     "List registered content types",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		return &struct {
			Body []string `json:"body"`
		}{Body: e.Types.IDs()}, nil
	})
}

// requireView checks that the caller may see organismID and returns the caller.
func requireView(ctx context.Context, e engine.Engine, organismID string) (string, error) {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return "", authErr
	}
	d, err := e.CheckAccess(ctx, userID, organismID, auth.ActionView)
	if err != nil {
		return "", handleError(err)
	}
	if !d.Allowed {
		return "", handleError(auth.ForbiddenError{Action: auth.ActionView, OrganismID: organismID, Reason: d.Reason})
	}
	return userID, nil
}

func organismResponse(ctx context.Context, e engine.Engine, o domain.Organism) (OrganismResponse, error) {
	resp := OrganismResponse{Organism: o}
	st, err := e.FindCurrentByOrganismID(ctx, o.ID)
	switch {
	case err == nil:
		resp.CurrentState = &st
	case !errors.Is(err, repo.ErrNotFound):
		return resp, err
	}
	level, err := auth.Resolver{Repo: e.Repo}.Visibility(ctx, o.ID)
	if err != nil {
		return resp, err
	}
	resp.Visibility = level
	return resp, nil
}

func registerOrganisms(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-organism",
		Method:        http.MethodPost,
		Path:          "/organisms",
		Summary:       "Create organism",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateOrganismRequest `json:"body"`
	}) (*struct {
		Body OrganismResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, st, err := e.CreateOrganism(ctx, engine.CreateOrganismOptions{
			ID:            input.Body.ID,
			Name:          input.Body.Name,
			ContentTypeID: input.Body.ContentTypeID,
			Payload:       input.Body.Payload,
			OpenTrunk:     input.Body.OpenTrunk,
			Visibility:    input.Body.Visibility,
			ForkedFromID:  input.Body.ForkedFromID,
			ActorID:       userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		visibility := input.Body.Visibility
		if visibility == "" {
			visibility = domain.VisibilityPublic
		}
		return &struct {
			Body OrganismResponse `json:"body"`
		}{Body: OrganismResponse{Organism: o, CurrentState: &st, Visibility: visibility}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-organism",
		Method:      http.MethodGet,
		Path:        "/organisms/{organism_id}",
		Summary:     "Get organism with its current state",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrganismID string `path:"organism_id"`
	}) (*struct {
		Body OrganismResponse `json:"body"`
	}, error) {
		if _, err := requireView(ctx, e, input.OrganismID); err != nil {
			return nil, err
		}
		o, err := e.GetOrganism(ctx, input.OrganismID)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := organismResponse(ctx, e, o)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrganismResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-states",
		Method:      http.MethodGet,
		Path:        "/organisms/{organism_id}/states",
		Summary:     "List state history",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrganismID string `path:"organism_id"`
	}) (*struct {
		Body []domain.State `json:"body"`
	}, error) {
		if _, err := requireView(ctx, e, input.OrganismID); err != nil {
			return nil, err
		}
		states, err := e.Repo.ListStates(ctx, input.OrganismID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.State `json:"body"`
		}{Body: nonNil(states)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "append-state",
		Method:        http.MethodPost,
		Path:          "/organisms/{organism_id}/states",
		Summary:       "Append state to an open-trunk organism",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		OrganismID string             `path:"organism_id"`
		Body       AppendStateRequest `json:"body"`
	}) (*struct {
		Body domain.State `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.AppendState(ctx, engine.AppendStateOptions{
			OrganismID:    input.OrganismID,
			ContentTypeID: input.Body.ContentTypeID,
			Payload:       input.Body.Payload,
			ActorID:       userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.State `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-children",
		Method:      http.MethodGet,
		Path:        "/organisms/{organism_id}/children",
		Summary:     "List composed children in order",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrganismID string `path:"organism_id"`
	}) (*struct {
		Body []domain.Composition `json:"body"`
	}, error) {
		if _, err := requireView(ctx, e, input.OrganismID); err != nil {
			return nil, err
		}
		children, err := e.FindChildren(ctx, input.OrganismID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Composition `json:"body"`
		}{Body: nonNil(children)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "compose",
		Method:        http.MethodPost,
		Path:          "/organisms/{organism_id}/children",
		Summary:       "Compose a child organism",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		OrganismID string         `path:"organism_id"`
		Body       ComposeRequest `json:"body"`
	}) (*struct {
		Body domain.Composition `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Compose(ctx, engine.ComposeOptions{
			ParentID: input.OrganismID,
			ChildID:  input.Body.ChildID,
			Position: input.Body.Position,
			ActorID:  userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Composition `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "decompose",
		Method:        http.MethodDelete,
		Path:          "/organisms/{organism_id}/children/{child_id}",
		Summary:       "Remove a composed child",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrganismID string `path:"organism_id"`
		ChildID    string `path:"child_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Decompose(ctx, input.OrganismID, input.ChildID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-visibility",
		Method:      http.MethodPut,
		Path:        "/organisms/{organism_id}/visibility",
		Summary:     "Change visibility",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrganismID string            `path:"organism_id"`
		Body       VisibilityRequest `json:"body"`
	}) (*struct {
		Body domain.VisibilityRecord `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.ChangeVisibility(ctx, input.OrganismID, input.Body.Level, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.VisibilityRecord `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "grant-relationship",
		Method:        http.MethodPost,
		Path:          "/organisms/{organism_id}/relationships",
		Summary:       "Grant a relationship",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrganismID string                   `path:"organism_id"`
		Body       GrantRelationshipRequest `json:"body"`
	}) (*struct {
		Body domain.Relationship `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rel, err := e.GrantRelationship(ctx, engine.GrantRelationshipOptions{
			OrganismID: input.OrganismID,
			UserID:     input.Body.UserID,
			Type:       input.Body.Type,
			Role:       input.Body.Role,
			ActorID:    userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Relationship `json:"body"`
		}{Body: rel}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-observation",
		Method:        http.MethodPost,
		Path:          "/organisms/{organism_id}/observations",
		Summary:       "Record a metric observation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrganismID string             `path:"organism_id"`
		Body       ObservationRequest `json:"body"`
	}) (*struct {
		Body domain.DomainEvent `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		evt, err := e.RecordObservation(ctx, engine.ObservationOptions{
			OrganismID: input.OrganismID,
			Metric:     input.Body.Metric,
			Value:      input.Body.Value,
			SampledAt:  input.Body.SampledAt,
			ActorID:    userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DomainEvent `json:"body"`
		}{Body: evt}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/organisms/{organism_id}/events",
		Summary:     "List domain events of an organism",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrganismID string `path:"organism_id"`
		Type       string `query:"type"`
	}) (*struct {
		Body []domain.DomainEvent `json:"body"`
	}, error) {
		if _, err := requireView(ctx, e, input.OrganismID); err != nil {
			return nil, err
		}
		evts, err := e.FindEvents(ctx, input.OrganismID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DomainEvent `json:"body"`
		}{Body: nonNil(evts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-access",
		Method:      http.MethodGet,
		Path:        "/organisms/{organism_id}/access",
		Summary:     "Check whether a user may perform an action",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrganismID string `path:"organism_id"`
		Action     string `query:"action" required:"true"`
		UserID     string `query:"user_id"`
	}) (*struct {
		Body AccessResponse `json:"body"`
	}, error) {
		caller, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		userID := input.UserID
		if userID == "" {
			userID = caller
		}
		d, err := e.CheckAccess(ctx, userID, input.OrganismID, input.Action)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccessResponse `json:"body"`
		}{Body: AccessResponse{UserID: userID, OrganismID: input.OrganismID, Action: input.Action, Decision: d}}, nil
	})
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
