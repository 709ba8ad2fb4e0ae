package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/influxdata/replication/kit/cli"
	"go.uber.org/zap"
)

const prefixConfig = "/api/v1/config"

type parsedOpt map[string]optValue

type optValue []byte

func (o optValue) MarshalJSON() ([]byte, error) { return o, nil }

// ConfigHandler serves the options the daemon was started with.
type ConfigHandler struct {
	chi.Router

	log    *zap.Logger
	config parsedOpt
}

// NewConfigHandler creates a handler that will return a JSON object with key/value pairs for the configuration values
// used during startup. The opts slice provides a list of options names along with a pointer to their value.
func NewConfigHandler(log *zap.Logger, opts []cli.Opt) (*ConfigHandler, error) {
	h := &ConfigHandler{
		log: log,
	}

	if err := h.parseOptions(opts); err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		middleware.RequestID,
		middleware.RealIP,
	)

	r.Get("/", h.handleGetConfig)
	h.Router = r
	return h, nil
}

// Prefix is the path the handler is mounted at.
func (h *ConfigHandler) Prefix() string {
	return prefixConfig
}

func (h *ConfigHandler) parseOptions(opts []cli.Opt) error {
	config := make(parsedOpt, len(opts))

	// Values are encoded once so that a later request cannot fail on them.
	for _, o := range opts {
		b, err := json.Marshal(o.DestP)
		if err != nil {
			return err
		}
		config[o.Flag] = b
	}

	h.config = config
	return nil
}

func (h *ConfigHandler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]parsedOpt{"config": h.config}); err != nil {
		h.log.Debug("Failed to encode response", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

// NewAPIHandler routes the config endpoint and the partition API of svc.
func NewAPIHandler(log *zap.Logger, svc ReplicaService, opts []cli.Opt) (http.Handler, error) {
	ch, err := NewConfigHandler(log, opts)
	if err != nil {
		return nil, err
	}
	rh := NewReplicaHandler(log, svc)

	r := chi.NewRouter()
	r.Mount(ch.Prefix(), ch)
	r.NotFound(rh.ServeHTTP)
	r.MethodNotAllowed(rh.ServeHTTP)
	return r, nil
}
