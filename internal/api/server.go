package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/juju/errors"

	"seqkv/internal/contract"
	"seqkv/internal/logging"
	"seqkv/internal/sequence"
)

const maxArgsBytes = 1 << 20

// NewServer wires the contract host into a router and exposes a health check.
func NewServer(host *contract.Host) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	srv := &Server{host: host, log: logging.Component("api")}
	r.Use(srv.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return HandlerWithOptions(srv, ChiServerOptions{
		BaseRouter: r,
		ErrorHandlerFunc: func(w http.ResponseWriter, r *http.Request, err error) {
			writeError(w, http.StatusBadRequest, err)
		},
	})
}

// Server implements ServerInterface on top of a contract.Host.
type Server struct {
	host *contract.Host
	log  *slog.Logger
}

var _ ServerInterface = (*Server)(nil)

type MethodInfo struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type InvokeResponse struct {
	Result any `json:"result"`
}

type FieldPage struct {
	Length uint64 `json:"length"`
	Items  []any  `json:"items"`
}

type ErrorResponse struct {
	Message string `json:"message"`
}

func (s *Server) ListMethods(w http.ResponseWriter, r *http.Request) {
	methods := s.host.Methods()
	out := make([]MethodInfo, 0, len(methods))
	for _, m := range methods {
		out = append(out, MethodInfo{Name: m.Name, Kind: m.Kind.String()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) InvokeMethod(w http.ResponseWriter, r *http.Request, instance string, method string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxArgsBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Annotate(err, "reading arguments"))
		return
	}
	result, err := s.host.Invoke(r.Context(), instance, method, json.RawMessage(body))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, InvokeResponse{Result: result})
}

func (s *Server) ReadField(w http.ResponseWriter, r *http.Request, instance string, field string, params ReadFieldParams) {
	var offset, limit uint64
	if params.Offset != nil {
		offset = *params.Offset
	}
	if params.Limit != nil {
		limit = *params.Limit
	}
	length, items, err := s.host.ReadField(r.Context(), instance, field, offset, limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, FieldPage{Length: length, Items: items})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, contract.ErrUnknownMethod), errors.Is(err, contract.ErrUnknownField):
		return http.StatusNotFound
	case errors.Is(err, contract.ErrInvalidArguments), errors.Is(err, contract.ErrInvalidInstance):
		return http.StatusBadRequest
	case errors.Is(err, sequence.ErrIndexOutOfRange):
		return http.StatusUnprocessableEntity
	case errors.Is(err, sequence.ErrEmptyContainer):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Message: err.Error()})
}
