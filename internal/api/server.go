package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/ragchat/internal/conversation"
	"github.com/MikeSquared-Agency/ragchat/internal/orchestrator"
	"github.com/MikeSquared-Agency/ragchat/internal/staging"
)

const maxUploadMemory = 32 << 20

type Server struct {
	router  *chi.Mux
	port    int
	orch    *orchestrator.Orchestrator
	staging *staging.Store
	log     *conversation.Log
	logger  *slog.Logger
	srv     *http.Server
}

func NewServer(port int, apiToken string, orch *orchestrator.Orchestrator, st *staging.Store, log *conversation.Log, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	// Request lines go through slog; stdout may belong to the console.
	router.Use(middleware.RequestLogger(&slogFormatter{logger: logger}))
	router.Use(middleware.Recoverer)

	s := &Server{
		router:  router,
		port:    port,
		orch:    orch,
		staging: st,
		log:     log,
		logger:  logger,
	}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	router.Get("/health", s.health)
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Get("/state", s.state)
		r.Put("/staging/question", s.setQuestion)
		r.Post("/staging/files", s.addFiles)
		r.Delete("/staging/files/{index}", s.removeFile)
		r.Post("/submit", s.submit)
		r.Get("/exchanges", s.exchanges)
	})

	return s
}

// BearerAuthMiddleware rejects requests without the given bearer token.
// An empty token disables the check.
func BearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte("Bearer " + token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) Start() error {
	s.logger.Info("API server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type fileView struct {
	Index int          `json:"index"`
	ID    string       `json:"id"`
	Name  string       `json:"name"`
	Kind  staging.Kind `json:"kind"`
	Size  int          `json:"size"`
}

type stateView struct {
	State         string     `json:"state"`
	JustSucceeded bool       `json:"just_succeeded"`
	Question      string     `json:"question"`
	Files         []fileView `json:"files"`
	Exchanges     int        `json:"exchanges"`
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) snapshot() stateView {
	in := s.staging.Snapshot()
	files := make([]fileView, len(in.Files))
	for i, f := range in.Files {
		files[i] = fileView{Index: i, ID: f.ID.String(), Name: f.Name, Kind: f.Kind, Size: f.Size()}
	}
	return stateView{
		State:         s.orch.State().String(),
		JustSucceeded: s.orch.JustSucceeded(),
		Question:      in.Question,
		Files:         files,
		Exchanges:     s.log.Len(),
	}
}

type questionRequest struct {
	Question string `json:"question"`
}

func (s *Server) setQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	s.staging.SetQuestion(req.Question)
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) addFiles(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, `no "files" parts in form`)
		return
	}

	files := make([]staging.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("open %s: %v", fh.Filename, err))
			return
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("read %s: %v", fh.Filename, err))
			return
		}
		files = append(files, staging.NewFile(fh.Filename, content))
	}
	s.staging.AddFiles(files...)
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) removeFile(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "index must be an integer")
		return
	}
	if !s.staging.RemoveFile(index) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.Submit(r.Context())
	switch {
	case errors.Is(err, orchestrator.ErrEmptyInput):
		w.WriteHeader(http.StatusNoContent)
		return
	case errors.Is(err, orchestrator.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": task.ID.String(),
		"state":   s.orch.State().String(),
	})
}

func (s *Server) exchanges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.log.Exchanges())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": strings.TrimSpace(msg)})
}
