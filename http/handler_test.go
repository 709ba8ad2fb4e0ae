package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/influxdata/replication"
	"github.com/influxdata/replication/kit/prom/promtest"
	"github.com/influxdata/replication/replica"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestHandler_ServeHTTP(t *testing.T) {
	type fields struct {
		name    string
		handler http.Handler
		log     *zap.Logger
	}
	type args struct {
		w *httptest.ResponseRecorder
		r *http.Request
	}
	tests := []struct {
		name   string
		fields fields
		args   args
		path   string
		code   string
	}{
		{
			name: "should record metrics when http handling",
			fields: fields{
				name:    "test",
				handler: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}),
				log:     zaptest.NewLogger(t),
			},
			args: args{
				r: httptest.NewRequest(http.MethodGet, "/", nil),
				w: httptest.NewRecorder(),
			},
			path: "/",
			code: "200",
		},
		{
			name: "should normalize partition paths",
			fields: fields{
				name: "test",
				handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusConflict)
				}),
				log: zaptest.NewLogger(t),
			},
			args: args{
				r: httptest.NewRequest(http.MethodGet, "/api/v1/partitions/1.3/kv/user", nil),
				w: httptest.NewRecorder(),
			},
			path: "/api/v1/partitions/:gpid/kv/:key",
			code: "409",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			h := NewRootHandler(
				tt.fields.name,
				WithLog(tt.fields.log),
				WithAPIHandler(tt.fields.handler),
				WithMetrics(reg),
			)
			reg.MustRegister(h.PrometheusCollectors()...)

			h.ServeHTTP(tt.args.w, tt.args.r)

			mfs, err := reg.Gather()
			require.NoError(t, err)

			labels := map[string]string{
				"handler":       "test",
				"method":        "GET",
				"path":          tt.path,
				"status":        tt.code[:1] + "XX",
				"response_code": tt.code,
			}
			c := promtest.MustFindMetric(t, mfs, "http_api_requests_total", labels)
			if got := c.GetCounter().GetValue(); got != 1 {
				t.Fatalf("expected counter to be 1, got %v", got)
			}

			g := promtest.MustFindMetric(t, mfs, "http_api_request_duration_seconds", labels)
			if got := g.GetHistogram().GetSampleCount(); got != 1 {
				t.Fatalf("expected histogram sample count to be 1, got %v", got)
			}
		})
	}
}

func TestHandler_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := NewRootHandler("test", WithMetrics(reg))
	reg.MustRegister(h.PrometheusCollectors()...)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, ReadyPath, nil))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, MetricsPath, nil))
	require.Equal(t, http.StatusOK, w.Code)

	mfs, err := promtest.FromHTTPResponse(w.Result())
	require.NoError(t, err)
	c := promtest.MustFindMetric(t, mfs, "http_api_requests_total", map[string]string{
		"handler":       "test",
		"method":        "GET",
		"path":          ReadyPath,
		"status":        "2XX",
		"response_code": "200",
	})
	require.Equal(t, float64(1), c.GetCounter().GetValue())
}

func TestHandler_MetricsDisabled(t *testing.T) {
	h := NewRootHandler("test")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, MetricsPath, nil))
	require.Equal(t, http.StatusForbidden, w.Code)
}

type healthService struct {
	ReplicaService
	infos []replica.Info
}

func (s healthService) Configurations() []replica.Info { return s.infos }

func TestHealthHandler(t *testing.T) {
	svc := healthService{infos: []replica.Info{
		{GPID: replication.GPID{AppID: 1}, StatusName: "primary"},
	}}
	h := NewRootHandler("test", WithHealthHandler(HealthHandler(svc)))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, HealthPath, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var health struct {
		Status string `json:"status"`
		Checks []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	require.Equal(t, "pass", health.Status)
	require.Len(t, health.Checks, 1)
	require.Equal(t, "1.0", health.Checks[0].Name)

	svc.infos = append(svc.infos, replica.Info{GPID: replication.GPID{AppID: 1, PartitionIndex: 1}, StatusName: "error"})
	w = httptest.NewRecorder()
	HealthHandler(svc).ServeHTTP(w, httptest.NewRequest(http.MethodGet, HealthPath, nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}
