package supervisor

import (
	"encoding/json"
	"fmt"

	"github.com/loykin/schedd/internal/store"
)

func specToRecord(spec Spec, st Status) store.ProcessRecord {
	var env []byte
	if len(spec.Env) > 0 {
		env, _ = json.Marshal(spec.Env)
	}
	return store.ProcessRecord{
		ID:                  spec.ID,
		Name:                spec.Name,
		Command:             spec.Command,
		WorkDir:             spec.WorkDir,
		Env:                 env,
		AutoRestart:         spec.AutoRestart,
		MaxRestarts:         spec.MaxRestarts,
		RestartDelay:        spec.RestartDelay,
		HealthCheckURL:      spec.HealthCheckURL,
		HealthCheckInterval: spec.HealthCheckInterval,
		Enabled:             spec.Enabled,
		Status:              string(st.State),
		RestartCount:        st.Restarts,
	}
}

func specFromRecord(rec store.ProcessRecord) (Spec, error) {
	var env map[string]string
	if len(rec.Env) > 0 {
		if err := json.Unmarshal(rec.Env, &env); err != nil {
			return Spec{}, fmt.Errorf("decode env for process %s: %w", rec.ID, err)
		}
	}
	return Spec{
		ID:                  rec.ID,
		Name:                rec.Name,
		Command:             rec.Command,
		WorkDir:             rec.WorkDir,
		Env:                 env,
		AutoRestart:         rec.AutoRestart,
		MaxRestarts:         rec.MaxRestarts,
		RestartDelay:        rec.RestartDelay,
		HealthCheckURL:      rec.HealthCheckURL,
		HealthCheckInterval: rec.HealthCheckInterval,
		Enabled:             rec.Enabled,
	}, nil
}
