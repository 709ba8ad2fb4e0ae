package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/golang/snappy"
	"github.com/influxdata/replication"
	"github.com/influxdata/replication/bolt"
	kithttp "github.com/influxdata/replication/kit/transport/http"
	"github.com/influxdata/replication/logger"
	"github.com/influxdata/replication/replica"
	"go.uber.org/zap"
)

const (
	prefixPartitions = "/api/v1/partitions"
	prefixGC         = "/api/v1/gc"

	// maxPayloadSize bounds request bodies carrying a mutation payload.
	maxPayloadSize = 16 << 20
)

// ReplicaService is the part of a replica stub served over HTTP.
type ReplicaService interface {
	Node() string
	OpenReplica(ctx context.Context, gpid replication.GPID, appType string) (*replica.Replica, error)
	Replica(gpid replication.GPID) *replica.Replica
	Configurations() []replica.Info
	Diagnose() []replica.Diagnosis
	GarbageCollect() (int, error)
}

var _ ReplicaService = (*replica.Stub)(nil)

// ReplicaHandler serves partition administration, client reads and writes
// and prepares from primaries on other nodes.
type ReplicaHandler struct {
	chi.Router
	kithttp.ErrorHandler

	log *zap.Logger
	svc ReplicaService
}

// NewReplicaHandler returns a handler for the replicas of svc.
func NewReplicaHandler(log *zap.Logger, svc ReplicaService) *ReplicaHandler {
	h := &ReplicaHandler{
		log: log,
		svc: svc,
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		middleware.RequestID,
		middleware.RealIP,
	)

	r.Route(prefixPartitions, func(r chi.Router) {
		r.Get("/", h.handleListPartitions)
		r.Get("/diagnose", h.handleDiagnoseAll)
		r.Route("/{gpid}", func(r chi.Router) {
			r.Post("/", h.handleOpenPartition)
			r.Get("/", h.handleGetPartition)
			r.Get("/diagnose", h.handleDiagnose)
			r.Put("/primary", h.handleAssignPrimary)
			r.Put("/config", h.handleUpdateConfiguration)
			r.Put("/membership", h.handleUpdateMembership)
			r.Put("/learning", h.handleUpdateLearningStatus)
			r.Post("/checkpoint", h.handleCheckpoint)
			r.Post("/prepare", h.handlePrepare)
			r.Post("/write", h.handleWrite)
			r.Get("/read", h.handleRead)
			r.Route("/kv/{key}", func(r chi.Router) {
				r.Get("/", h.handleGetKey)
				r.Put("/", h.handleSetKey)
				r.Delete("/", h.handleDeleteKey)
			})
		})
	})
	r.Post(prefixGC, h.handleGarbageCollect)

	h.Router = r
	return h
}

func (h *ReplicaHandler) handleListPartitions(w http.ResponseWriter, r *http.Request) {
	infos := h.svc.Configurations()
	if infos == nil {
		infos = []replica.Info{}
	}
	h.respond(w, r, http.StatusOK, struct {
		Node       string         `json:"node"`
		Partitions []replica.Info `json:"partitions"`
	}{
		Node:       h.svc.Node(),
		Partitions: infos,
	})
}

func (h *ReplicaHandler) handleDiagnoseAll(w http.ResponseWriter, r *http.Request) {
	ds := h.svc.Diagnose()
	if ds == nil {
		ds = []replica.Diagnosis{}
	}
	h.respond(w, r, http.StatusOK, ds)
}

// handleOpenPartition is the HTTP handler for the POST /api/v1/partitions/:gpid route.
func (h *ReplicaHandler) handleOpenPartition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	gpid, err := decodeGPID(r)
	if err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}
	appType := r.URL.Query().Get("type")
	if appType == "" {
		appType = bolt.AppType
	}

	rep, err := h.svc.OpenReplica(ctx, gpid, appType)
	if err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}
	h.requestLogger(r).Debug("Partition opened", zap.Stringer("gpid", gpid), zap.String("type", appType))
	h.respond(w, r, http.StatusCreated, rep.Info())
}

func (h *ReplicaHandler) handleGetPartition(w http.ResponseWriter, r *http.Request) {
	rep, err := h.replica(r)
	if err != nil {
		h.HandleHTTPError(r.Context(), err, w)
		return
	}
	h.respond(w, r, http.StatusOK, rep.Info())
}

func (h *ReplicaHandler) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	rep, err := h.replica(r)
	if err != nil {
		h.HandleHTTPError(r.Context(), err, w)
		return
	}
	h.respond(w, r, http.StatusOK, rep.Diagnose())
}

type assignPrimaryRequest struct {
	Ballot      replication.Ballot `json:"ballot"`
	Secondaries []string           `json:"secondaries"`
}

// handleAssignPrimary is the HTTP handler for the PUT /api/v1/partitions/:gpid/primary route.
func (h *ReplicaHandler) handleAssignPrimary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rep, err := h.replica(r)
	if err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}
	var req assignPrimaryRequest
	if err := decodeJSON(r, &req); err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}

	pc := replication.PartitionConfiguration{
		GPID:                rep.GPID(),
		Ballot:              req.Ballot,
		Primary:             h.svc.Node(),
		Secondaries:         req.Secondaries,
		LastCommittedDecree: rep.LastCommittedDecree(),
	}
	if err := rep.AssignPrimary(pc); err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}
	h.respond(w, r, http.StatusOK, rep.Info())
}

type updateConfigurationRequest struct {
	Ballot  replication.Ballot `json:"ballot"`
	Primary string             `json:"primary"`
	Status  string             `json:"status"`
}

// handleUpdateConfiguration is the HTTP handler for the PUT /api/v1/partitions/:gpid/config route.
func (h *ReplicaHandler) handleUpdateConfiguration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rep, err := h.replica(r)
	if err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}
	var req updateConfigurationRequest
	if err := decodeJSON(r, &req); err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}
	status, err := replication.ParsePartitionStatus(req.Status)
	if err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}

	cfg := replication.ReplicaConfiguration{
		GPID:    rep.GPID(),
		Ballot:  req.Ballot,
		Primary: req.Primary,
		Status:  status,
	}
	if err := rep.UpdateConfiguration(cfg); err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}
	h.respond(w, r, http.StatusOK, rep.Info())
}

func (h *ReplicaHandler) handleUpdateMembership(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rep, err := h.replica(r)
	if err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}
	var req struct {
		Secondaries []string `json:"secondaries"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}
	if err := rep.UpdateMembership(req.Secondaries); err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}
	h.respond(w, r, http.StatusOK, rep.Info())
}

var learningStatuses = map[string]replication.LearningStatus{
	replication.LearningWithoutPrepare.String(): replication.LearningWithoutPrepare,
	replication.LearningWithPrepare.String():    replication.LearningWithPrepare,
	replication.LearningSucceeded.String():      replication.LearningSucceeded,
	replication.LearningFailed.String():         replication.LearningFailed,
}

func (h *ReplicaHandler) handleUpdateLearningStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rep, err := h.replica(r)
	if err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}
	status, ok := learningStatuses[req.Status]
	if !ok {
		h.HandleHTTPError(ctx, &replication.Error{
			Code: replication.EInvalid,
			Msg:  fmt.Sprintf("unknown learning status %q", req.Status),
		}, w)
		return
	}
	if err := rep.UpdateLearningStatus(status); err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCheckpoint is the HTTP handler for the POST /api/v1/partitions/:gpid/checkpoint route.
// It answers once the checkpoint and the catch-up after it are done.
func (h *ReplicaHandler) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rep, err := h.replica(r)
	if err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}
	done, err := rep.StartCheckpoint()
	if err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}
	select {
	case err := <-done:
		if err != nil {
			h.HandleHTTPError(ctx, err, w)
			return
		}
	case <-ctx.Done():
		h.HandleHTTPError(ctx, canceled("replica.StartCheckpoint", ctx.Err()), w)
		return
	}
	h.respond(w, r, http.StatusOK, rep.Info())
}

// handlePrepare is the HTTP handler for the POST /api/v1/partitions/:gpid/prepare route.
// It answers once the mutation is logged by the local replica.
func (h *ReplicaHandler) handlePrepare(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rep, err := h.replica(r)
	if err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}
	b, err := readPayload(r)
	if err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}
	if r.Header.Get("Content-Encoding") == snappyEncoding {
		if b, err = snappy.Decode(nil, b); err != nil {
			h.HandleHTTPError(ctx, &replication.Error{Code: replication.EInvalid, Msg: "invalid snappy body", Err: err}, w)
			return
		}
	}

	var m replication.Mutation
	if err := m.UnmarshalBinary(b); err != nil {
		h.HandleHTTPError(ctx, &replication.Error{Code: replication.EInvalid, Msg: "invalid mutation", Err: err}, w)
		return
	}

	ack := make(chan error, 1)
	if err := rep.OnPrepare(&m, func(err error) { ack <- err }); err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}
	select {
	case err := <-ack:
		if err != nil {
			h.HandleHTTPError(ctx, err, w)
			return
		}
	case <-ctx.Done():
		h.HandleHTTPError(ctx, canceled("replica.OnPrepare", ctx.Err()), w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type writeResponse struct {
	Decree replication.Decree `json:"decree"`
}

// handleWrite is the HTTP handler for the POST /api/v1/partitions/:gpid/write route.
// The body is the mutation payload, passed to the app as is.
func (h *ReplicaHandler) handleWrite(w http.ResponseWriter, r *http.Request) {
	payload, err := readPayload(r)
	if err != nil {
		h.HandleHTTPError(r.Context(), err, w)
		return
	}
	h.write(w, r, payload)
}

func (h *ReplicaHandler) handleSetKey(w http.ResponseWriter, r *http.Request) {
	value, err := readPayload(r)
	if err != nil {
		h.HandleHTTPError(r.Context(), err, w)
		return
	}
	h.write(w, r, bolt.EncodeSet([]byte(chi.URLParam(r, "key")), value))
}

func (h *ReplicaHandler) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, bolt.EncodeDelete([]byte(chi.URLParam(r, "key"))))
}

func (h *ReplicaHandler) write(w http.ResponseWriter, r *http.Request, payload []byte) {
	ctx := r.Context()

	rep, err := h.replica(r)
	if err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}

	type result struct {
		decree replication.Decree
		err    error
	}
	ch := make(chan result, 1)
	if err := rep.Write(payload, func(d replication.Decree, err error) {
		ch <- result{decree: d, err: err}
	}); err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}

	select {
	case res := <-ch:
		if res.err != nil {
			h.HandleHTTPError(ctx, res.err, w)
			return
		}
		h.respond(w, r, http.StatusOK, writeResponse{Decree: res.decree})
	case <-ctx.Done():
		h.HandleHTTPError(ctx, canceled("replica.Write", ctx.Err()), w)
	}
}

// handleRead is the HTTP handler for the GET /api/v1/partitions/:gpid/read route.
func (h *ReplicaHandler) handleRead(w http.ResponseWriter, r *http.Request) {
	h.read(w, r, []byte(r.URL.Query().Get("key")))
}

func (h *ReplicaHandler) handleGetKey(w http.ResponseWriter, r *http.Request) {
	h.read(w, r, []byte(chi.URLParam(r, "key")))
}

func (h *ReplicaHandler) read(w http.ResponseWriter, r *http.Request, req []byte) {
	ctx := r.Context()

	rep, err := h.replica(r)
	if err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}
	semantic, err := replication.ParseReadSemantic(r.URL.Query().Get("semantic"))
	if err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}

	b, err := rep.Read(ctx, req, semantic)
	if err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b); err != nil {
		h.requestLogger(r).Debug("Failed to write read response", zap.Error(err))
	}
}

// handleGarbageCollect is the HTTP handler for the POST /api/v1/gc route.
func (h *ReplicaHandler) handleGarbageCollect(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.GarbageCollect()
	if err != nil {
		h.HandleHTTPError(r.Context(), err, w)
		return
	}
	h.respond(w, r, http.StatusOK, struct {
		Removed int `json:"removed"`
	}{Removed: n})
}

func (h *ReplicaHandler) replica(r *http.Request) (*replica.Replica, error) {
	gpid, err := decodeGPID(r)
	if err != nil {
		return nil, err
	}
	rep := h.svc.Replica(gpid)
	if rep == nil {
		return nil, &replication.Error{
			Code: replication.ENotFound,
			Msg:  fmt.Sprintf("partition %s not found", gpid),
		}
	}
	return rep, nil
}

// requestLogger returns the logger LoggingMW scoped to r, or the handler's.
func (h *ReplicaHandler) requestLogger(r *http.Request) *zap.Logger {
	if log := logger.FromContext(r.Context()); log != nil {
		return log
	}
	return h.log
}

func (h *ReplicaHandler) respond(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.requestLogger(r).Debug("Failed to encode response", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

func decodeGPID(r *http.Request) (replication.GPID, error) {
	s := chi.URLParam(r, "gpid")
	if s == "" {
		return replication.GPID{}, &replication.Error{Code: replication.EInvalid, Msg: "url missing gpid"}
	}
	gpid, err := replication.ParseGPID(s)
	if err != nil {
		return replication.GPID{}, &replication.Error{Code: replication.EInvalid, Msg: "invalid gpid", Err: err}
	}
	return gpid, nil
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPayloadSize)).Decode(v); err != nil {
		return &replication.Error{Code: replication.EInvalid, Msg: "invalid json body", Err: err}
	}
	return nil
}

func readPayload(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize+1))
	if err != nil {
		return nil, &replication.Error{Code: replication.EInvalid, Msg: "failed to read body", Err: err}
	}
	if len(b) > maxPayloadSize {
		return nil, &replication.Error{Code: replication.EInvalid, Msg: fmt.Sprintf("body exceeds %d bytes", maxPayloadSize)}
	}
	return b, nil
}

func canceled(op string, err error) error {
	return &replication.Error{Code: replication.EClosed, Op: op, Msg: "request ended before the operation completed", Err: err}
}
