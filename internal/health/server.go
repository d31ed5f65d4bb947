package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Checker supplies the checks behind /healthz. Listeners returns the state
// of every listener by chain; any chain not "subscribed" makes the service
// unhealthy.
type Checker struct {
	DBPing    func(ctx context.Context) error
	Listeners func() map[string]string
}

// Handler returns the /healthz handler.
func Handler(checker Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := map[string]any{"status": "ok"}
		code := http.StatusOK

		if checker.DBPing != nil {
			if err := checker.DBPing(ctx); err != nil {
				status["db"] = "fail"
				code = http.StatusServiceUnavailable
			} else {
				status["db"] = "ok"
			}
		}
		if checker.Listeners != nil {
			states := checker.Listeners()
			for _, s := range states {
				if s != "subscribed" {
					code = http.StatusServiceUnavailable
				}
			}
			status["listeners"] = states
		}
		if code != http.StatusOK {
			status["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}

// Serve starts h on addr in the background.
func Serve(addr string, h http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Shutdown gracefully shuts down a server started by Serve.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
