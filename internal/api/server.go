package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/items-api/internal/config"
	"github.com/JakeFAU/items-api/internal/items"
	"github.com/JakeFAU/items-api/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// ItemService is the subset of items.Service the handlers call.
type ItemService interface {
	List(ctx context.Context) ([]items.Item, error)
	Create(ctx context.Context, name *string) (items.Item, error)
}

// IDGenerator produces request identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Server wires HTTP handlers to the item service and the observer.
type Server struct {
	router chi.Router
	items  ItemService
	obs    *telemetry.Observer
	idGen  IDGenerator
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	svc ItemService,
	obs *telemetry.Observer,
	idGen IDGenerator,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		items:  svc,
		obs:    obs,
		idGen:  idGen,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	// Keep the recoverer outside the observer: the observer labels a panic 500
	// and re-panics.
	r.Use(s.recoverMiddleware)
	r.Use(obs.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.Origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", s.root)
	r.Get("/health", s.health)
	r.Get("/healthz", s.healthz)
	r.Get("/ready", s.ready)
	r.Method(http.MethodGet, telemetry.MetricsPath, obs.Handler())

	r.Get("/api/items", s.listItems)
	r.Post("/api/items", s.createItem)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) root(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Hello from " + s.cfg.App.Name})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeText(w, http.StatusOK, "ok")
}

func (s *Server) ready(w http.ResponseWriter, _ *http.Request) {
	if !s.obs.Ready() {
		s.writeText(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	s.obs.SetReady(true)
	s.writeText(w, http.StatusOK, "ready")
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	list, err := s.items.List(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

type createItemRequest struct {
	Name *string `json:"name"`
}

func (s *Server) createItem(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCreateItem(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeValidation(w, decodeError(err))
		return
	}
	item, err := s.items.Create(r.Context(), req.Name)
	if err != nil {
		var verr *items.ValidationError
		if errors.As(err, &verr) {
			s.writeValidation(w, verr)
			return
		}
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, item)
}

// decodeCreateItem requires the body to hold exactly one JSON value.
func decodeCreateItem(body io.Reader) (createItemRequest, error) {
	var req createItemRequest
	dec := json.NewDecoder(body)
	if err := dec.Decode(&req); err != nil {
		return req, err
	}
	var extra json.RawMessage
	switch err := dec.Decode(&extra); {
	case errors.Is(err, io.EOF):
		return req, nil
	case err != nil:
		return req, err
	default:
		return req, errTrailingData
	}
}

var errTrailingData = errors.New("unexpected data after JSON value")

func decodeError(err error) *items.ValidationError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return items.NewValidationError(typeErr.Field, "must be a string")
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return items.NewValidationError("body", "request body too large")
	}
	return items.NewValidationError("body", "malformed JSON")
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed",
		zap.String("request_id", requestIDFrom(r.Context())),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Bool("store_unavailable", errors.Is(err, items.ErrStoreUnavailable)),
		zap.Error(err),
	)
	s.writeError(w, http.StatusInternalServerError, "internal server error")
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, err := s.idGen.NewID()
		if err != nil {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered",
					zap.String("request_id", requestIDFrom(r.Context())),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type errorResponse struct {
	Error  string             `json:"error"`
	Detail []items.FieldError `json:"detail,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Error("write text failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) writeValidation(w http.ResponseWriter, verr *items.ValidationError) {
	s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "validation failed", Detail: verr.Fields})
}
