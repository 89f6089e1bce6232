package server

import (
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/morezero/analysis-coordinator/pkg/catalog"
	"github.com/morezero/analysis-coordinator/pkg/coordinator"
	"github.com/morezero/analysis-coordinator/pkg/health"
)

const httpLogPrefix = "server:http"

// Overall coordinator status reported by /health.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthOutput is the /health response.
type HealthOutput struct {
	Status       string                   `json:"status"`
	HealthyCount int                      `json:"healthyCount"`
	Services     map[string]health.Record `json:"services"`
	Timestamp    string                   `json:"timestamp"`
}

// ServiceView is one backend in the /services response.
type ServiceView struct {
	Name        string         `json:"name"`
	Bucket      catalog.Bucket `json:"bucket"`
	Subject     string         `json:"subject"`
	Version     string         `json:"version"`
	TimeoutMs   int            `json:"timeoutMs,omitempty"`
	BaseCost    float64        `json:"baseCost"`
	Description string         `json:"description,omitempty"`
	Health      health.Record  `json:"health"`
}

// Handler returns the HTTP status mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", handleReady)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/services", s.handleServices)
	return mux
}

// healthReport summarizes backend health: healthy when every backend is healthy,
// unhealthy when none is healthy or degraded, degraded otherwise.
func healthReport(records map[string]health.Record) *HealthOutput {
	out := &HealthOutput{
		Services:  records,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	usable := 0
	for _, rec := range records {
		switch rec.Status {
		case health.StatusHealthy:
			out.HealthyCount++
			usable++
		case health.StatusDegraded:
			usable++
		}
	}
	switch {
	case len(records) > 0 && out.HealthyCount == len(records):
		out.Status = StatusHealthy
	case usable > 0:
		out.Status = StatusDegraded
	default:
		out.Status = StatusUnhealthy
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := healthReport(s.engine.GetServiceHealth())
	w.Header().Set("Content-Type", "application/json")
	if h.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, h)
}

func handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ready"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.engine.GetStats())
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.services())
}

// services joins the catalog entries with their health records, sorted by name.
func (s *Server) services() []ServiceView {
	records := s.engine.GetServiceHealth()
	names := s.catalog.Names()
	out := make([]ServiceView, 0, len(names))
	for _, name := range names {
		b, _ := s.catalog.Get(name)
		out = append(out, ServiceView{
			Name:        name,
			Bucket:      b.Bucket,
			Subject:     b.Subject,
			Version:     b.Version,
			TimeoutMs:   b.TimeoutMs,
			BaseCost:    b.BaseCost,
			Description: b.Description,
			Health:      records[name],
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - json encode: %v", httpLogPrefix, err))
	}
}

// homePageTemplate is the HTML for the coordinator status page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Analysis Coordinator</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2, h3 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-degraded { color: #b36b00; font-weight: bold; }
    .status-failing, .status-offline, .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>Analysis Coordinator</h1>
  <p class="meta">Catalog {{.Catalog}}. Backend health, cache and queue statistics.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>Healthy backends: <span class="stat">{{.Health.HealthyCount}}</span> of {{len .Services}}</p>
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Statistics</h2>
    <p>Processed: <span class="stat">{{.Stats.Processed}}</span></p>
    <p>Average response time: <span class="stat">{{.Stats.AvgResponseTime}}</span></p>
    <p>Cache: <span class="stat">{{.Stats.CacheSize}}</span> entries, hit rate <span class="stat">{{printf "%.2f" .Stats.CacheHitRate}}</span></p>
    <p>Deferred queue depth: <span class="stat">{{.Stats.QueueDepth}}</span></p>
  </section>

  <section>
    <h2>Backends</h2>
    {{if not .Services}}
    <p>No backends registered.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Backend</th><th>Bucket</th><th>Subject</th><th>Status</th><th>Error rate</th><th>Response time</th><th>OK / Failed</th></tr>
      </thead>
      <tbody>
        {{range .Services}}
        <tr>
          <td>{{.Name}}</td>
          <td>{{.Bucket}}</td>
          <td>{{.Subject}}</td>
          <td><span class="status-{{.Health.Status}}">{{.Health.Status}}</span></td>
          <td>{{printf "%.2f" .Health.ErrorRate}}</td>
          <td>{{.Health.ResponseTimeEWMA}}</td>
          <td>{{.Health.Successes}} / {{.Health.Failures}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

// homeData is the data passed to the home page template.
type homeData struct {
	Catalog  string
	Health   *HealthOutput
	Stats    coordinator.Stats
	Services []ServiceView
}

// handleHome returns an HTTP handler for the coordinator status page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		data := homeData{
			Catalog:  fmt.Sprintf("%s@%s", s.catalog.Name(), s.catalog.Version()),
			Health:   healthReport(s.engine.GetServiceHealth()),
			Stats:    s.engine.GetStats(),
			Services: s.services(),
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", httpLogPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
