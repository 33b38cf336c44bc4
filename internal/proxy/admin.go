package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rb3ckers/dualwrite/datatypes"
	"github.com/rb3ckers/dualwrite/internal/mirror"
)

// HealthHandler reports liveness of the process. It never contacts a backend.
func HealthHandler() http.HandlerFunc {
	return func(res http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			res.Header().Set("Allow", "GET, HEAD")
			http.Error(res, "Method not allowed.", http.StatusMethodNotAllowed)

			return
		}

		res.Header().Set("Content-Type", "application/json")
		res.WriteHeader(http.StatusOK)

		json.NewEncoder(res).Encode(map[string]string{ //nolint:errcheck
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// StatusHandler lists the mirror state and the latest mirror results.
func StatusHandler(m *mirror.Mirror, board *datatypes.MirrorBoard) http.HandlerFunc {
	return func(res http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			res.Header().Set("Allow", "GET")
			http.Error(res, "Method not allowed.", http.StatusMethodNotAllowed)

			return
		}

		res.Header().Set("Content-Type", "text/plain; charset=utf-8")

		status := m.GetStatus()
		if status.State == mirror.StateAlive {
			fmt.Fprintf(res, "%s: %s (inflight: %d, started: %d)\n", status.Name, status.State, status.Inflight, status.Started)
		} else {
			fmt.Fprintf(res, "%s: %s (since: %s, inflight: %d, started: %d)\n", status.Name, status.State, status.FailingSince.UTC().Format(time.RFC3339), status.Inflight, status.Started)
		}

		board.ForEach(func(rec datatypes.BackendRecord) {
			fmt.Fprintf(res, "%s: %d ok, %d failed", rec.Name, rec.Successes, rec.Failures)

			if rec.LastError != "" {
				fmt.Fprintf(res, ", last error: %s (at: %s)", rec.LastError, rec.LastErrAt.UTC().Format(time.RFC3339))
			}

			fmt.Fprintln(res)
		})
	}
}
