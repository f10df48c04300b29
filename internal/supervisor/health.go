package supervisor

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

var healthClient = &http.Client{Timeout: 5 * time.Second}

// healthLoop probes the process health URL at the configured interval for
// the lifetime of one run. A probe is healthy on any 2xx response. Results
// are observational: they update the status snapshot and log transitions but
// never stop or restart the process.
func (s *Supervisor) healthLoop(p *proc, cancel chan struct{}) {
	defer s.wg.Done()
	spec := p.Spec()
	t := time.NewTicker(spec.HealthCheckInterval)
	defer t.Stop()
	var last *bool
	for {
		select {
		case <-cancel:
			return
		case <-s.closed:
			return
		case <-t.C:
		}
		ok := probe(spec.HealthCheckURL)
		p.setHealthy(ok)
		if last == nil || *last != ok {
			if ok {
				slog.Info("process health check passing", "id", spec.ID, "url", spec.HealthCheckURL)
			} else {
				slog.Warn("process health check failing", "id", spec.ID, "url", spec.HealthCheckURL)
			}
		}
		last = &ok
	}
}

func probe(url string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := healthClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
