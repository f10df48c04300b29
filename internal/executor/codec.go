package executor

import (
	"encoding/json"
	"fmt"

	"github.com/loykin/schedd/internal/registry"
	"github.com/loykin/schedd/internal/store"
	"github.com/loykin/schedd/internal/trigger"
)

// jobToRecord flattens a job spec into its persisted form. Trigger parameters
// travel as a JSON blob next to the stable kind tag.
func jobToRecord(spec registry.JobSpec) (store.JobRecord, error) {
	params, err := json.Marshal(spec.Trigger)
	if err != nil {
		return store.JobRecord{}, fmt.Errorf("encode trigger for job %s: %w", spec.ID, err)
	}
	var args []byte
	if len(spec.Args) > 0 {
		args, err = json.Marshal(spec.Args)
		if err != nil {
			return store.JobRecord{}, fmt.Errorf("encode args for job %s: %w", spec.ID, err)
		}
	}
	return store.JobRecord{
		ID:            spec.ID,
		Name:          spec.Name,
		Handler:       spec.Handler,
		TriggerKind:   string(spec.Trigger.Kind),
		TriggerParams: params,
		Args:          args,
		MaxInstances:  spec.MaxInstances,
		MisfireGrace:  spec.MisfireGrace,
		Enabled:       spec.Enabled,
		Retries:       spec.Retries,
		Timeout:       spec.Timeout,
	}, nil
}

func jobFromRecord(rec store.JobRecord) (registry.JobSpec, error) {
	var trig trigger.Spec
	if err := json.Unmarshal(rec.TriggerParams, &trig); err != nil {
		return registry.JobSpec{}, fmt.Errorf("decode trigger for job %s: %w", rec.ID, err)
	}
	trig.Kind = trigger.Kind(rec.TriggerKind)
	var args registry.Args
	if len(rec.Args) > 0 {
		if err := json.Unmarshal(rec.Args, &args); err != nil {
			return registry.JobSpec{}, fmt.Errorf("decode args for job %s: %w", rec.ID, err)
		}
	}
	return registry.JobSpec{
		ID:           rec.ID,
		Name:         rec.Name,
		Handler:      rec.Handler,
		Trigger:      trig,
		Args:         args,
		MaxInstances: rec.MaxInstances,
		MisfireGrace: rec.MisfireGrace,
		Enabled:      rec.Enabled,
		Retries:      rec.Retries,
		Timeout:      rec.Timeout,
	}, nil
}

func executionToRecord(r Record) store.ExecutionRecord {
	return store.ExecutionRecord{
		JobID:       r.JobID,
		ExecutionID: r.ExecutionID,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		Status:      string(r.Status),
		Result:      r.Result,
		Error:       r.Error,
	}
}
