package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"image-optimizer-go/internal/batch"
	"image-optimizer-go/internal/config"
	"image-optimizer-go/internal/statistics"
	"image-optimizer-go/internal/store"
)

// BulkRunner advances the bulk job.
type BulkRunner interface {
	Init(ctx context.Context) (batch.InitResult, error)
	Step(ctx context.Context) (batch.StepResult, error)
}

// ProgressSource reads the bulk job without changing it.
type ProgressSource interface {
	Report(ctx context.Context) (batch.Progress, error)
	Failures(ctx context.Context) ([]store.Skip, error)
}

// StatsSource reads the compression totals.
type StatsSource interface {
	Summary(ctx context.Context) (statistics.Summary, error)
}

// UploadHandler optimizes uploaded files and hands out the notice.
type UploadHandler interface {
	HandleUpload(ctx context.Context, path, mediaType string) *store.Notice
	TakeNotice(ctx context.Context) (*store.Notice, error)
}

// Dependencies are the services behind the HTTP API.
type Dependencies struct {
	Bulk     BulkRunner
	Progress ProgressSource
	Stats    StatsSource
	Uploads  UploadHandler
}

type Server struct {
	cfg        *config.Config
	log        logrus.FieldLogger
	deps       Dependencies
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.RWMutex
}

type APIResponse struct {
	Success bool        `json:"success"`
	Status  string      `json:"status,omitempty"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type UploadResponse struct {
	File      string        `json:"file"`
	MediaType string        `json:"media_type"`
	Optimized bool          `json:"optimized"`
	Notice    *store.Notice `json:"notice,omitempty"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewServer(cfg *config.Config, log logrus.FieldLogger, deps Dependencies) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		deps:      deps,
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/uploads", s.handleUpload).Methods("POST")
	api.HandleFunc("/bulk/init", s.handleBulkInit).Methods("POST")
	api.HandleFunc("/bulk/step", s.handleBulkStep).Methods("POST")
	api.HandleFunc("/bulk/progress", s.handleBulkProgress).Methods("GET")
	api.HandleFunc("/bulk/failures", s.handleBulkFailures).Methods("GET")
	api.HandleFunc("/statistics", s.handleGetStatistics).Methods("GET")
	api.HandleFunc("/notice", s.handleNotice).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.wsMutex.Lock()
	for conn := range s.wsClients {
		conn.Close()
		delete(s.wsClients, conn)
	}
	s.wsMutex.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleBulkInit(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Bulk.Init(r.Context())
	if err != nil {
		s.writeJobError(w, "init", err)
		return
	}

	s.broadcastWSMessage("bulk_initialized", res)

	msg := fmt.Sprintf("%d images queued", res.Total)
	if res.AlreadyOptimized {
		msg = "All images are already optimized"
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Message: msg,
		Data:    res,
	})
}

func (s *Server) handleBulkStep(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Bulk.Step(r.Context())
	if err != nil {
		s.writeJobError(w, "step", err)
		return
	}

	s.broadcastWSMessage("bulk_step", res)
	if res.Done {
		s.broadcastWSMessage("bulk_completed", res)
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    res,
	})
}

func (s *Server) handleBulkProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Progress.Report(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to load bulk progress")
		s.writeError(w, "Failed to load progress", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: p.Status,
		Data:    p,
	})
}

func (s *Server) handleBulkFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := s.deps.Progress.Failures(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to load bulk failures")
		s.writeError(w, "Failed to load failures", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    failures,
	})
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Stats.Summary(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to load statistics")
		s.writeError(w, "Failed to load statistics", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    sum,
	})
}

func (s *Server) handleNotice(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Uploads.TakeNotice(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to read upload notice")
		s.writeError(w, "Failed to read notice", http.StatusInternalServerError)
		return
	}

	resp := APIResponse{Success: true}
	if n != nil {
		resp.Message = fmt.Sprintf("Image optimized: %s -> %s", n.OriginalSizeLabel, n.CompressedSizeLabel)
		resp.Data = n
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.cfg.Server.MaxUploadSize << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		s.writeError(w, "Invalid upload: "+err.Error(), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, "File is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	name := filepath.Base(filepath.Clean(header.Filename))
	if name == "." || name == string(filepath.Separator) || strings.HasPrefix(name, ".") {
		s.writeError(w, "Invalid file name", http.StatusBadRequest)
		return
	}

	dest, err := s.saveUpload(file, name)
	if err != nil {
		s.log.WithError(err).Error("Failed to save upload")
		s.writeError(w, "Failed to save upload", http.StatusInternalServerError)
		return
	}

	mt, err := mimetype.DetectFile(dest)
	if err != nil {
		s.log.WithError(err).Error("Failed to detect upload type")
		s.writeError(w, "Failed to read upload", http.StatusInternalServerError)
		return
	}

	notice := s.deps.Uploads.HandleUpload(r.Context(), dest, mt.String())

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Upload stored",
		Data: UploadResponse{
			File:      filepath.Base(dest),
			MediaType: mt.String(),
			Optimized: notice != nil,
			Notice:    notice,
		},
	})
}

// saveUpload writes the upload into the upload directory without replacing
// an existing file.
func (s *Server) saveUpload(src io.Reader, name string) (string, error) {
	dir := s.cfg.UploadPath()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload directory: %w", err)
	}

	dest := filepath.Join(dir, name)
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		ext := filepath.Ext(name)
		dest = filepath.Join(dir, strings.TrimSuffix(name, ext)+"-"+uuid.NewString()[:8]+ext)
		out, err = os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dest, err)
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dest)
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("close %s: %w", dest, err)
	}
	return dest, nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

func (s *Server) clientCount() int {
	s.wsMutex.RLock()
	defer s.wsMutex.RUnlock()
	return len(s.wsClients)
}

func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	message := WSMessage{
		Type: messageType,
		Data: data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	// Lock, not RLock: gorilla connections allow one concurrent writer.
	s.wsMutex.Lock()
	var failed []*websocket.Conn
	for conn := range s.wsClients {
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			failed = append(failed, conn)
		}
	}
	for _, conn := range failed {
		delete(s.wsClients, conn)
		conn.Close()
	}
	s.wsMutex.Unlock()
}

// writeJobError maps bulk job failures onto an "error" status response.
func (s *Server) writeJobError(w http.ResponseWriter, op string, err error) {
	code := http.StatusInternalServerError
	msg := "Error: " + err.Error()
	if errors.Is(err, batch.ErrBusy) {
		code = http.StatusConflict
		msg = "Error: another bulk request is in progress, retry shortly"
	}

	s.log.WithError(err).WithField("operation", op).Error("Bulk request failed")
	s.broadcastWSMessage("bulk_error", map[string]interface{}{
		"operation": op,
		"error":     err.Error(),
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Status:  "error",
		Error:   msg,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Status:  "error",
		Error:   message,
	})
}
