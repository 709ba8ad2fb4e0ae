package http

import (
	"encoding/json"
	"net/http"
)

// HealthHandler reports the health of the replicas served by svc. The node
// fails when any replica is in the error role.
func HealthHandler(svc ReplicaService) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		type check struct {
			Name    string `json:"name"`
			Status  string `json:"status"`
			Message string `json:"message,omitempty"`
		}
		health := struct {
			Name    string  `json:"name"`
			Message string  `json:"message"`
			Status  string  `json:"status"`
			Checks  []check `json:"checks"`
		}{
			Name:    "replicad",
			Message: "ready for writes",
			Status:  "pass",
			Checks:  []check{},
		}

		code := http.StatusOK
		for _, info := range svc.Configurations() {
			c := check{Name: info.GPID.String(), Status: "pass"}
			if info.StatusName == "error" {
				c.Status = "fail"
				c.Message = "replica is in error status"
				health.Status = "fail"
				health.Message = "one or more replicas failed"
				code = http.StatusServiceUnavailable
			}
			health.Checks = append(health.Checks, c)
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(health)
	}
	return http.HandlerFunc(fn)
}
