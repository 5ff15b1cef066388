package regulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"homeostat/internal/contenttype"
	"homeostat/internal/domain"
	"homeostat/internal/engine"
	"homeostat/internal/repo"
)

type sensorChild struct {
	id      string
	payload domain.SensorPayload
}

type variableChild struct {
	id      string
	payload domain.VariablePayload
	// invalid is set when the stored payload could not be decoded.
	invalid error
}

type policyChild struct {
	id      string
	payload domain.ResponsePolicyPayload
}

type actionChild struct {
	id      string
	payload domain.ActionPayload
	invalid error
}

// boundary is the classified view of one boundary's direct children.
type boundary struct {
	id        string
	sensors   map[string]sensorChild
	variables []variableChild
	policies  []policyChild
	actions   []actionChild
}

// policyDecision is what an action sees of its trigger policy.
type policyDecision struct {
	decision string
	label    string
	current  *float64
}

func (r *Runtime) classify(ctx context.Context, boundaryID string, log zerolog.Logger) (boundary, error) {
	b := boundary{id: boundaryID, sensors: map[string]sensorChild{}}
	children, err := r.Core.FindChildren(ctx, boundaryID)
	if err != nil {
		return b, fmt.Errorf("load children of %s: %w", boundaryID, err)
	}
	seenVariables := map[string]bool{}
	for _, c := range children {
		st, err := r.Core.FindCurrentByOrganismID(ctx, c.ChildID)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return b, fmt.Errorf("load state of %s: %w", c.ChildID, err)
		}
		switch st.ContentTypeID {
		case contenttype.TypeSensor:
			var p domain.SensorPayload
			if err := json.Unmarshal(st.Payload, &p); err != nil {
				log.Warn().Err(err).Str("organism_id", c.ChildID).Msg("ignoring malformed sensor")
				continue
			}
			if _, dup := b.sensors[p.Label]; !dup {
				b.sensors[p.Label] = sensorChild{id: c.ChildID, payload: p}
			}
		case contenttype.TypeVariable:
			var p domain.VariablePayload
			if err := json.Unmarshal(st.Payload, &p); err != nil {
				b.variables = append(b.variables, variableChild{id: c.ChildID, invalid: err})
				continue
			}
			if seenVariables[p.Label] {
				continue
			}
			seenVariables[p.Label] = true
			b.variables = append(b.variables, variableChild{id: c.ChildID, payload: p})
		case contenttype.TypeResponsePolicy:
			var p domain.ResponsePolicyPayload
			if err := json.Unmarshal(st.Payload, &p); err != nil {
				log.Warn().Err(err).Str("organism_id", c.ChildID).Msg("ignoring malformed response policy")
				continue
			}
			b.policies = append(b.policies, policyChild{id: c.ChildID, payload: p})
		case contenttype.TypeAction:
			var p domain.ActionPayload
			if err := json.Unmarshal(st.Payload, &p); err != nil {
				b.actions = append(b.actions, actionChild{id: c.ChildID, invalid: err})
				continue
			}
			b.actions = append(b.actions, actionChild{id: c.ChildID, payload: p})
		}
	}
	return b, nil
}

// recomputeVariables returns the value of every variable label after this
// stage. Skipped variables keep their stored value, except those whose sensor
// cannot be resolved: they were never measured and feed no policy.
func (r *Runtime) recomputeVariables(ctx context.Context, cycleID string, b boundary, counters *Counters, log zerolog.Logger) map[string]float64 {
	values := make(map[string]float64, len(b.variables))
	for _, v := range b.variables {
		vlog := log.With().Str("variable_id", v.id).Logger()
		if v.invalid != nil {
			counters.SkippedManagedVariables++
			vlog.Warn().Err(v.invalid).Msg("variable skipped: malformed payload")
			continue
		}
		values[v.payload.Label] = v.payload.Value
		comp := v.payload.Computation
		if comp.Mode != domain.ComputationObservationSum {
			counters.SkippedManagedVariables++
			vlog.Info().Str("mode", comp.Mode).Msg("variable skipped: unsupported computation mode")
			continue
		}
		sensor, ok := b.sensors[comp.SensorLabel]
		if !ok {
			delete(values, v.payload.Label)
			counters.SkippedManagedVariables++
			vlog.Info().Str("sensor_label", comp.SensorLabel).Msg("variable skipped: sensor not found")
			continue
		}
		metric := comp.Metric
		if metric == "" {
			metric = sensor.payload.Metric
		}
		now := r.now()
		sum, count, err := r.observationSum(ctx, sensor.payload.TargetOrganismID, metric, comp.WindowSeconds, now)
		if err != nil {
			counters.SkippedManagedVariables++
			vlog.Warn().Err(err).Msg("variable skipped: observations unavailable")
			continue
		}
		sum = clamp(sum, comp.ClampMin, comp.ClampMax)
		if sum == v.payload.Value {
			continue
		}

		next := v.payload
		next.Value = sum
		next.ComputedAt = domain.FormatTime(now)
		next.ComputedFrom = &domain.VariableSource{
			SensorOrganismID: sensor.id,
			TargetOrganismID: sensor.payload.TargetOrganismID,
			ObservationCount: count,
		}
		data, err := json.Marshal(next)
		if err != nil {
			counters.SkippedManagedVariables++
			vlog.Warn().Err(err).Msg("variable skipped: encode payload")
			continue
		}
		st, err := r.Core.AppendState(ctx, engine.AppendStateOptions{
			OrganismID:    v.id,
			ContentTypeID: contenttype.TypeVariable,
			Payload:       data,
			ActorID:       r.runner(),
		})
		if err != nil {
			counters.SkippedManagedVariables++
			vlog.Warn().Err(err).Msg("variable skipped: append state failed")
			continue
		}
		values[v.payload.Label] = sum
		counters.VariableUpdates++
		vlog.Info().Float64("previous", v.payload.Value).Float64("value", sum).Msg("variable updated")
		r.record(ctx, domain.RuntimeLogEntry{
			CycleID:            cycleID,
			Stage:              StageVariableUpdated,
			BoundaryOrganismID: b.id,
			Payload: map[string]any{
				"variableOrganismId": v.id,
				"label":              v.payload.Label,
				"previousValue":      v.payload.Value,
				"value":              sum,
				"observationCount":   count,
				"stateId":            st.ID,
			},
		})
	}
	return values
}

// observationSum adds up the value of every matching organism.observed event
// on target. Events without a usable sample time fall back to their
// occurrence time.
func (r *Runtime) observationSum(ctx context.Context, target, metric string, windowSeconds *int, now time.Time) (float64, int, error) {
	evts, err := r.Core.FindEvents(ctx, target, domain.EventOrganismObserved)
	if err != nil {
		return 0, 0, err
	}
	var from time.Time
	if windowSeconds != nil {
		from = now.Add(-time.Duration(*windowSeconds) * time.Second)
	}
	sum, count := 0.0, 0
	for _, e := range evts {
		if m, _ := e.Payload["metric"].(string); m != metric {
			continue
		}
		value, ok := e.Payload["value"].(float64)
		if !ok || math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		if windowSeconds != nil {
			at, ok := sampledAt(e)
			if !ok || at.Before(from) || at.After(now) {
				continue
			}
		}
		sum += value
		count++
	}
	return sum, count, nil
}

func sampledAt(e domain.DomainEvent) (time.Time, bool) {
	if s, ok := e.Payload["sampledAt"].(string); ok {
		if t, err := domain.ParseTime(s); err == nil {
			return t, true
		}
	}
	t, err := domain.ParseTime(e.OccurredAt)
	return t, err == nil
}

func clamp(v float64, lo, hi *float64) float64 {
	if lo != nil && v < *lo {
		v = *lo
	}
	if hi != nil && v > *hi {
		v = *hi
	}
	return v
}

// refreshPolicies caches the latest variable value on each response policy
// and returns the decision of every policy keyed by organism id.
func (r *Runtime) refreshPolicies(ctx context.Context, cycleID string, b boundary, values map[string]float64, counters *Counters, log zerolog.Logger) map[string]policyDecision {
	decisions := make(map[string]policyDecision, len(b.policies))
	for _, p := range b.policies {
		plog := log.With().Str("policy_id", p.id).Logger()
		payload := p.payload
		if v, ok := values[payload.VariableLabel]; ok && (payload.CurrentVariableValue == nil || *payload.CurrentVariableValue != v) {
			previous := payload.CurrentVariableValue
			value := v
			payload.CurrentVariableValue = &value
			if err := r.appendPolicy(ctx, p.id, payload); err != nil {
				plog.Warn().Err(err).Msg("response policy snapshot not stored")
			} else {
				counters.ResponsePolicyUpdates++
				entry := map[string]any{
					"responsePolicyOrganismId": p.id,
					"variableLabel":            payload.VariableLabel,
					"value":                    value,
					"decision":                 payload.Decide(),
				}
				if previous != nil {
					entry["previousValue"] = *previous
				}
				r.record(ctx, domain.RuntimeLogEntry{
					CycleID:            cycleID,
					Stage:              StageResponsePolicyUpdated,
					BoundaryOrganismID: b.id,
					Payload:            entry,
				})
			}
		}
		d := policyDecision{decision: payload.Decide(), label: payload.VariableLabel, current: payload.CurrentVariableValue}
		plog.Debug().Str("decision", d.decision).Msg("response policy evaluated")
		decisions[p.id] = d
	}
	return decisions
}

func (r *Runtime) appendPolicy(ctx context.Context, id string, p domain.ResponsePolicyPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = r.Core.AppendState(ctx, engine.AppendStateOptions{
		OrganismID:    id,
		ContentTypeID: contenttype.TypeResponsePolicy,
		Payload:       data,
		ActorID:       r.runner(),
	})
	return err
}
