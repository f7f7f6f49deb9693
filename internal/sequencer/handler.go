package sequencer

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collabtext/internal/store"
)

// Handler returns the HTTP surface of the sequencer: the document websocket,
// the document catalog, assistant invocation, health and metrics.
func (s *Sequencer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleConnections).Methods(http.MethodGet)
	r.HandleFunc("/api/ws", s.handleConnections).Methods(http.MethodGet)
	r.HandleFunc("/api/documents", s.handleListDocuments).Methods(http.MethodGet)
	r.HandleFunc("/api/documents", s.handleCreateDocument).Methods(http.MethodPost)
	r.HandleFunc("/api/ai", s.handleAssist).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func docKeyFromQuery(r *http.Request) (store.DocKey, error) {
	room := strings.TrimSpace(r.URL.Query().Get("roomCode"))
	docID := r.URL.Query().Get("docId")
	if room == "" || docID == "" {
		return store.DocKey{}, errors.New("roomCode and docId are required")
	}
	id, err := strconv.Atoi(docID)
	if err != nil {
		return store.DocKey{}, errors.New("docId must be a number")
	}
	return store.DocKey{Room: room, Document: id}, nil
}

func (s *Sequencer) handleConnections(w http.ResponseWriter, r *http.Request) {
	key, err := docKeyFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.log.Info("websocket upgrade failed", "error", err.Error())
		return
	}
	s.log.Info("new connection", "doc", key.String(), "remote", r.RemoteAddr)
	s.ServeConn(conn, key)
}

func roomFromQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	room := strings.TrimSpace(r.URL.Query().Get("roomCode"))
	if room == "" {
		http.Error(w, "roomCode is required", http.StatusBadRequest)
		return "", false
	}
	return room, true
}

// DocumentList is the body of GET /api/documents.
type DocumentList struct {
	Documents []store.Document `json:"documents"`
}

func (s *Sequencer) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	room, ok := roomFromQuery(w, r)
	if !ok {
		return
	}
	docs, err := s.ListDocuments(r.Context(), room)
	if err != nil {
		s.httpError(w, err)
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	writeJSON(w, http.StatusOK, DocumentList{Documents: docs})
}

// CreateDocumentRequest is the body of POST /api/documents.
type CreateDocumentRequest struct {
	Title string `json:"title"`
}

func (s *Sequencer) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	room, ok := roomFromQuery(w, r)
	if !ok {
		return
	}
	var req CreateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Untitled"
	}
	doc, err := s.CreateDocument(r.Context(), room, title)
	if err != nil {
		s.httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// AssistRequest is the body of POST /api/ai.
type AssistRequest struct {
	Prompt         string `json:"prompt"`
	DocumentID     int    `json:"documentId"`
	RoomCode       string `json:"roomCode"`
	CursorPosition int    `json:"cursorPosition"`
}

// handleAssist accepts the request and answers at once; the text arrives
// later as an ordinary operation on the document.
func (s *Sequencer) handleAssist(w http.ResponseWriter, r *http.Request) {
	var req AssistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "body must have prompt, documentId and roomCode", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.RoomCode) == "" || strings.TrimSpace(req.Prompt) == "" {
		http.Error(w, "roomCode and prompt must be non empty", http.StatusBadRequest)
		return
	}
	if s.composer == nil {
		s.httpError(w, ErrNoAssistant)
		return
	}
	s.assistAsync(store.DocKey{Room: strings.TrimSpace(req.RoomCode), Document: req.DocumentID}, req.Prompt, req.CursorPosition)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Sequencer) httpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNoAssistant), errors.Is(err, ErrNoCatalog):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		s.log.Error(err, "request failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
