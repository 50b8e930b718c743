package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/michaelbrown/penbox/internal/sandbox"
	"github.com/michaelbrown/penbox/internal/storage"
)

const (
	maxSourceBytes = 1 << 20
	authHeader     = "X-Auth-Code"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

// --- Template handlers ---

type templateInfo struct {
	Name  string `json:"name"`
	Title string `json:"title"`
	Valid bool   `json:"valid"`
}

func toTemplateInfos(executors []*sandbox.Executor) []templateInfo {
	out := make([]templateInfo, 0, len(executors))
	for _, x := range executors {
		out = append(out, templateInfo{Name: x.Name, Title: x.Title, Valid: x.Valid()})
	}
	return out
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toTemplateInfos(s.executors.Templates()))
}

func (s *Server) handleSuggestTemplates(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		writeError(w, http.StatusBadRequest, "filename is required")
		return
	}
	writeJSON(w, http.StatusOK, toTemplateInfos(s.executors.Suggest(filename)))
}

// --- Execution handlers ---

type createExecutionRequest struct {
	Template string  `json:"template"`
	Code     string  `json:"code"`
	Blob     string  `json:"blob"`
	Timeout  float64 `json:"timeout"` // seconds
}

type createExecutionResponse struct {
	sandbox.Info
	Blob string `json:"blob"`
}

func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 2*maxSourceBytes)

	var req createExecutionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Template == "" {
		writeError(w, http.StatusBadRequest, "template is required")
		return
	}

	blob, status, err := s.resolveSource(r, req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	timeout := time.Duration(req.Timeout * float64(time.Second))
	e, err := s.executors.Get(req.Template).Execute(r.Context(), blob.Data, timeout)
	switch {
	case errors.Is(err, sandbox.ErrUnsupportedTemplate):
		writeError(w, http.StatusNotFound, "unsupported template: "+req.Template)
		return
	case errors.Is(err, sandbox.ErrBuildFailed):
		writeError(w, http.StatusUnprocessableEntity, "build failed")
		return
	case err != nil:
		s.logger.Error("failed to create execution", zap.String("template", req.Template), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create execution")
		return
	}

	s.history.Track(e)
	writeJSON(w, http.StatusCreated, createExecutionResponse{Info: e.Info(true), Blob: blob.Hash})
}

// resolveSource returns the submitted source as a stored blob, loading it by
// hash when the request references one.
func (s *Server) resolveSource(r *http.Request, req createExecutionRequest) (*storage.Blob, int, error) {
	switch {
	case req.Blob != "" && req.Code != "":
		return nil, http.StatusBadRequest, errors.New("code and blob are mutually exclusive")
	case req.Blob != "":
		blob, err := s.blobs.GetBlob(r.Context(), req.Blob)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, http.StatusNotFound, errors.New("blob not found")
		}
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		return blob, 0, nil
	case req.Code != "":
		if len(req.Code) > maxSourceBytes {
			return nil, http.StatusRequestEntityTooLarge, errors.New("code too large")
		}
		blob := storage.NewBlob([]byte(req.Code))
		if err := s.blobs.PutBlob(r.Context(), blob); err != nil {
			s.logger.Warn("failed to store submitted code", zap.Error(err))
		}
		return blob, 0, nil
	default:
		return nil, http.StatusBadRequest, errors.New("code or blob is required")
	}
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	executions := s.registry.List()
	infos := make([]sandbox.Info, 0, len(executions))
	for _, e := range executions {
		infos = append(infos, e.Info(false))
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	e, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, e.Info(false))
}

func (s *Server) handleStopExecution(w http.ResponseWriter, r *http.Request) {
	e, ok := s.registry.Get(chi.URLParam(r, "id"))
	code := r.Header.Get(authHeader)
	// a wrong code looks exactly like a missing execution
	if !ok || code == "" || subtle.ConstantTimeCompare([]byte(e.AuthCode), []byte(code)) != 1 {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	e.Stop()
	writeJSON(w, http.StatusOK, e.Info(false))
}

// --- History handlers ---

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.history.List(r.Context(), storage.RecordListOptions{
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if records == nil {
		records = []storage.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	rec, err := s.history.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := storage.ExportJSON(rec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// --- Blob handlers ---

func (s *Server) handleListBlobs(w http.ResponseWriter, r *http.Request) {
	blobs, err := s.blobs.ListBlobs(r.Context(), queryInt(r, "limit"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if blobs == nil {
		blobs = []storage.Blob{}
	}
	writeJSON(w, http.StatusOK, blobs)
}

func (s *Server) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSourceBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "blob too large")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty blob")
		return
	}

	blob := storage.NewBlob(data)
	if err := s.blobs.PutBlob(r.Context(), blob); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, blob)
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	blob, err := s.blobs.GetBlob(r.Context(), chi.URLParam(r, "hash"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "blob not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	contentType := "application/octet-stream"
	if blob.Type == storage.BlobText {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Blob-Hash", blob.Hash)
	w.WriteHeader(http.StatusOK)
	w.Write(blob.Data)
}
