package http

import (
	"encoding/json"
	"net/http"
	"time"
)

// ReadyHandler returns a readiness handler that reports when it was created
// and for how long it has been up.
func ReadyHandler() http.Handler {
	up := time.Now()
	fn := func(w http.ResponseWriter, r *http.Request) {
		var status = struct {
			Status string    `json:"status"`
			Start  time.Time `json:"started"`
			Up     string    `json:"up"`
		}{
			Status: "ready",
			Start:  up,
			Up:     time.Since(up).String(),
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
	return http.HandlerFunc(fn)
}
