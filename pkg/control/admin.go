// Package control implements the control-plane REST surface spec.md §6
// describes as an external collaborator of the data plane: the four
// registry operations (create, update, delete, snapshot) exposed over
// HTTP/JSON, plus the liveness and metrics endpoints a complete deployment
// needs. It never touches a socket the data plane owns; its only dependency
// is the registry's exported contract.
package control

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/portproxy/pkg/proxyerr"
	"github.com/go-core-stack/portproxy/pkg/registry"
)

// Server is the admin HTTP surface. Build one with NewServer and mount it
// directly as an http.Handler.
type Server struct {
	reg    *registry.Registry
	mux    *http.ServeMux
	logger zerolog.Logger
}

// NewServer wires the REST surface against reg. metricsHandler is normally
// promhttp.HandlerFor(reg, ...) for whichever prometheus.Registry the
// caller registered handler.Metrics against; it is accepted here rather
// than constructed internally so the control plane and the data plane
// share one registry.
func NewServer(reg *registry.Registry, metricsHandler http.Handler) *Server {
	s := &Server{
		reg:    reg,
		mux:    http.NewServeMux(),
		logger: log.With().Str("component", "control").Logger(),
	}

	s.mux.HandleFunc("POST /bindings", s.handleCreate)
	s.mux.HandleFunc("GET /bindings", s.handleSnapshot)
	s.mux.HandleFunc("PUT /bindings/{port}", s.handleUpdate)
	s.mux.HandleFunc("DELETE /bindings/{port}", s.handleDelete)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	s.mux.Handle("GET /metrics", metricsHandler)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type createRequest struct {
	Port     uint16 `json:"port"`
	Upstream string `json:"upstream"`
}

type updateRequest struct {
	Upstream string `json:"upstream"`
}

type bindingView struct {
	Port     uint16 `json:"port"`
	Upstream string `json:"upstream"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Port < 1 {
		writeError(w, http.StatusBadRequest, "port must be between 1 and 65535")
		return
	}

	if err := s.reg.Create(req.Port, req.Upstream); err != nil {
		s.writeRegistryError(w, err)
		return
	}

	s.logSnapshot("create")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(bindingView{Port: req.Port, Upstream: req.Upstream})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	port, err := portFromPath(r.PathValue("port"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid port")
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	if err := s.reg.Update(port, req.Upstream); err != nil {
		s.writeRegistryError(w, err)
		return
	}

	s.logSnapshot("update")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(bindingView{Port: port, Upstream: req.Upstream})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	port, err := portFromPath(r.PathValue("port"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid port")
		return
	}

	if err := s.reg.Delete(port); err != nil {
		s.writeRegistryError(w, err)
		return
	}

	s.logSnapshot("delete")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	entries := s.reg.Snapshot()
	views := make([]bindingView, 0, len(entries))
	for _, e := range entries {
		views = append(views, bindingView{Port: e.Port, Upstream: e.Upstream})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// logSnapshot logs the post-mutation port table, per SPEC_FULL.md's
// supplement of the original implementation's startup/mutation logging.
func (s *Server) logSnapshot(op string) {
	s.logger.Info().Str("op", op).Interface("bindings", s.reg.Snapshot()).Msg("binding table changed")
}

func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case proxyerr.Of(err, proxyerr.PortInUse):
		writeError(w, http.StatusConflict, err.Error())
	case proxyerr.Of(err, proxyerr.NoSuchBinding):
		writeError(w, http.StatusNotFound, err.Error())
	case proxyerr.Of(err, proxyerr.BadUpstream):
		writeError(w, http.StatusBadRequest, err.Error())
	case proxyerr.Of(err, proxyerr.BindFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func portFromPath(raw string) (uint16, error) {
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || n < 1 {
		return 0, proxyerr.New(proxyerr.BadUpstream, "invalid port")
	}
	return uint16(n), nil
}
