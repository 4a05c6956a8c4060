package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fentz26/linecook/internal/models"
	"github.com/fentz26/linecook/internal/wire"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// Version is reported by the health endpoint.
var Version = "dev"

const maxBodyBytes = 1 << 20

// Server provides the HTTP API for linecook.
type Server struct {
	service *Service
	addr    string
	server  *http.Server
	logger  *zap.Logger
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		service: service,
		addr:    addr,
		logger:  logger.Named("http"),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := httprouter.New()

	r.GET("/health", s.handleHealth)

	// Reference data
	r.GET("/resources", s.listResources)
	r.GET("/workflows", s.listWorkflows)
	r.POST("/workflows", s.registerWorkflow)
	r.GET("/users", s.listUsers)

	// Orders
	r.POST("/orders", s.createOrder)
	r.GET("/orders", s.listOrders)
	r.GET("/orders/:id", s.getOrder)
	r.GET("/orders/:id/eta", s.getOrderETA)

	// Transitions
	r.POST("/tasks/:id/actions", s.taskAction)
	r.POST("/subtasks/:id/actions", s.subtaskAction)
	r.GET("/tasks/:id/decisions", s.listDecisions)
	r.GET("/subtasks/:id/decisions", s.listDecisions)

	r.POST("/eta/suggest", s.suggest)

	r.PanicHandler = func(w http.ResponseWriter, req *http.Request, v interface{}) {
		s.logger.Error("handler panic", zap.String("path", req.URL.Path), zap.Any("panic", v))
		writeError(w, fmt.Errorf("internal error"))
	}
	return s.logRequests(r)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("starting linecook server", zap.String("addr", s.addr))
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)),
		)
	})
}

// --- Health ---

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.service.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// --- Reference data handlers ---

func (s *Server) listResources(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	resources, err := s.service.ListResources(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if resources == nil {
		resources = []models.Resource{}
	}
	writeJSON(w, http.StatusOK, resources)
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	defs, err := s.service.ListWorkflows(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if defs == nil {
		defs = []models.WorkflowDefinition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) registerWorkflow(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var def models.WorkflowDefinition
	if !decode(w, r, &def) {
		return
	}
	created, err := s.service.RegisterWorkflow(r.Context(), &def)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, def)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	users, err := s.service.ListUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// --- Order handlers ---

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req wire.CreateOrder
	if !decode(w, r, &req) {
		return
	}
	result, err := s.service.CreateOrder(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	orders, err := s.service.ListOrders(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	g, err := s.service.GetOrder(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) getOrderETA(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	est, err := s.service.OrderETA(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	entries, err := s.service.Decisions(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Transition handlers ---

func (s *Server) taskAction(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req wire.TaskAction
	if !decode(w, r, &req) {
		return
	}
	id := ps.ByName("id")
	if req.TaskID == "" {
		req.TaskID = id
	}
	if req.TaskID != id {
		writeError(w, fmt.Errorf("%w: body task %s does not match path task %s", models.ErrValidation, req.TaskID, id))
		return
	}
	result, err := s.service.TaskAction(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) subtaskAction(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req wire.SubtaskAction
	if !decode(w, r, &req) {
		return
	}
	id := ps.ByName("id")
	if req.SubtaskID == "" {
		req.SubtaskID = id
	}
	if req.SubtaskID != id {
		writeError(w, fmt.Errorf("%w: body subtask %s does not match path subtask %s", models.ErrValidation, req.SubtaskID, id))
		return
	}
	result, err := s.service.SubtaskAction(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) suggest(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req wire.SuggestRequest
	if !decode(w, r, &req) {
		return
	}
	est, err := s.service.Suggest(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, fmt.Errorf("%w: invalid json: %v", models.ErrValidation, err))
		return false
	}
	return true
}
