package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/onnwee/watchparty/db"
)

// handleHealthz is the liveness probe: the database answers.
func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil || h.DB.PingContext(r.Context()) != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz runs the readiness checks in order and reports the first failure.
func (h *handlers) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.DB == nil {
				return errors.New("no database")
			}
			return h.DB.PingContext(r.Context())
		}},
		{"migrations", func() error {
			v, dirty, err := db.SchemaState(r.Context(), h.DB)
			switch {
			case err != nil:
				return err
			case v == 0:
				return errors.New("no migrations applied")
			case dirty:
				return fmt.Errorf("schema is dirty at version %d", v)
			}
			return nil
		}},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
