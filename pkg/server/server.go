package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"infinote/pkg/database"
	"infinote/pkg/heartbeat"
	"infinote/pkg/logger"
	"infinote/pkg/metrics"
)

// Document is a session entry in the server's registry.
type Document struct {
	LastAccessed time.Time
	Session      *Session
}

// ServerState holds all server-wide state.
type ServerState struct {
	documents sync.Map // map[string]*Document
	startTime time.Time
	db        *database.Database // optional
}

// NewServerState creates a new server state.
func NewServerState(db *database.Database) *ServerState {
	return &ServerState{startTime: time.Now(), db: db}
}

// Stats represents server statistics.
type Stats struct {
	StartTime    int64 `json:"start_time"`
	NumDocuments int   `json:"num_documents"`
	DatabaseSize int   `json:"database_size"`
}

// Server is the main HTTP server.
type Server struct {
	state *ServerState
	mux   *http.ServeMux

	maxDocumentSize     int
	broadcastBufferSize int
	wsReadTimeout       time.Duration
	wsWriteTimeout      time.Duration
	undoIdleTimeout     time.Duration
	undoSpanLimit       int

	shard *ShardRouter // nil means single-node: every document is local
}

// SetShardRouter enables document ownership sharding across replicas; pass
// nil (the default) to run as a single node where every document is local.
func (s *Server) SetShardRouter(router *ShardRouter) {
	s.shard = router
}

// SetUndoConfig overrides how aggressively consecutive edits are folded
// into one undo step for documents created after this call; it has no
// effect on sessions already resident in memory. A zero value for either
// argument leaves that bound at its package default.
func (s *Server) SetUndoConfig(idleTimeout time.Duration, spanLimit int) {
	s.undoIdleTimeout = idleTimeout
	s.undoSpanLimit = spanLimit
}

// NewServer creates a new HTTP server. db may be nil to run without
// persistence.
func NewServer(db *database.Database, maxDocumentSize, broadcastBufferSize int, wsReadTimeout, wsWriteTimeout time.Duration) *Server {
	s := &Server{
		state:               NewServerState(db),
		mux:                 http.NewServeMux(),
		maxDocumentSize:     maxDocumentSize,
		broadcastBufferSize: broadcastBufferSize,
		wsReadTimeout:       wsReadTimeout,
		wsWriteTimeout:      wsWriteTimeout,
	}

	s.mux.HandleFunc("/api/socket/", s.handleSocket)
	s.mux.HandleFunc("/api/text/", s.handleText)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/document/", s.handleProtect)
	s.mux.Handle("/metrics", metrics.Handler())

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleSocket handles WebSocket connections for collaborative editing.
// Route: /api/socket/{id}[?otp=...]
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	docID := strings.TrimPrefix(r.URL.Path, "/api/socket/")
	if docID == "" {
		http.Error(w, "document ID required", http.StatusBadRequest)
		return
	}

	if s.shard != nil && s.shard.RedirectIfRemote(w, r, docID) {
		return
	}

	doc, err := s.getOrCreateDocument(docID)
	if err != nil {
		logger.Error("load document %s: %v", docID, err)
		http.Error(w, "failed to load document", http.StatusInternalServerError)
		return
	}
	doc.LastAccessed = time.Now()

	if otp := doc.Session.GetOTP(); otp != nil {
		if r.URL.Query().Get("otp") != *otp {
			http.Error(w, "invalid or missing otp", http.StatusUnauthorized)
			return
		}
	}

	if s.state.db != nil {
		go s.persister(r.Context(), docID, doc.Session)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		logger.Error("WebSocket upgrade failed: %v", err)
		return
	}

	metrics.ConnectionsOpened.Inc()
	defer metrics.ConnectionsOpened.Dec()

	connHandler := NewConnection(doc.Session, conn, s.wsReadTimeout, s.wsWriteTimeout)
	if err := connHandler.Handle(r.Context()); err != nil {
		logger.Debug("connection error for %s: %v", docID, err)
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

// handleText returns the current document text.
// Route: /api/text/{id}
func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	docID := strings.TrimPrefix(r.URL.Path, "/api/text/")
	if docID == "" {
		http.Error(w, "document ID required", http.StatusBadRequest)
		return
	}

	if val, ok := s.state.documents.Load(docID); ok {
		doc := val.(*Document)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(doc.Session.Text()))
		return
	}

	if s.state.db != nil {
		if persisted, err := s.state.db.Load(docID); err != nil {
			logger.Error("load document from DB: %v", err)
		} else if persisted != nil {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Write([]byte(persisted.Text))
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(""))
}

// handleStats returns server statistics.
// Route: /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	numDocs := 0
	s.state.documents.Range(func(key, value interface{}) bool {
		numDocs++
		return true
	})

	dbSize := 0
	if s.state.db != nil {
		if count, err := s.state.db.Count(); err == nil {
			dbSize = count
		}
	}

	stats := Stats{
		StartTime:    s.state.startTime.Unix(),
		NumDocuments: numDocs,
		DatabaseSize: dbSize,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// protectRequest/protectResponse are the bodies of the OTP gate endpoints.
type protectRequest struct {
	UserID   uint64 `json:"user_id"`
	UserName string `json:"user_name"`
	OTP      string `json:"otp"` // required to remove protection
}

type protectResponse struct {
	OTP string `json:"otp"`
}

// handleProtect enables (POST) or disables (DELETE) OTP protection on a
// document. Route: /api/document/{id}/protect
func (s *Server) handleProtect(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/document/")
	docID := strings.TrimSuffix(path, "/protect")
	if docID == path || docID == "" {
		http.NotFound(w, r)
		return
	}

	if s.state.db == nil {
		http.Error(w, "database required for document protection", http.StatusServiceUnavailable)
		return
	}

	val, ok := s.state.documents.Load(docID)
	if !ok {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	doc := val.(*Document)

	var req protectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// The OTP is written through at once so a session reloaded from the
	// database enforces it even before any edit has been flushed.
	persist := func() {
		persisted := &database.PersistedDocument{ID: docID, Text: doc.Session.Text(), Language: doc.Session.Language(), OTP: doc.Session.GetOTP()}
		if err := s.state.db.Store(persisted); err != nil {
			logger.Error("error persisting document %s: %v", docID, err)
		}
	}

	switch r.Method {
	case http.MethodPost:
		otp := GenerateOTP()
		doc.Session.SetOTP(&otp, req.UserID, req.UserName)
		persist()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(protectResponse{OTP: otp})
	case http.MethodDelete:
		if cur := doc.Session.GetOTP(); cur != nil && req.OTP != *cur {
			http.Error(w, "invalid otp", http.StatusUnauthorized)
			return
		}
		doc.Session.SetOTP(nil, req.UserID, req.UserName)
		persist()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// getOrCreateDocument gets an existing in-memory session or creates one,
// loading its SessionRecord replay log from the database if present.
func (s *Server) getOrCreateDocument(id string) (*Document, error) {
	if val, ok := s.state.documents.Load(id); ok {
		return val.(*Document), nil
	}

	var session *Session
	if s.state.db != nil {
		persisted, err := s.state.db.Load(id)
		if err != nil {
			return nil, fmt.Errorf("load document: %w", err)
		}
		if persisted != nil {
			entries, err := s.state.db.LoadSessionRecordEntries(id)
			if err != nil {
				return nil, fmt.Errorf("load session record: %w", err)
			}
			logger.Info("loaded document %s from database (%d entries)", id, len(entries))
			session, err = FromPersistedDocument(entries, persisted.Language, persisted.OTP, s.maxDocumentSize, s.broadcastBufferSize, s.undoIdleTimeout, s.undoSpanLimit)
			if err != nil {
				return nil, fmt.Errorf("replay session record: %w", err)
			}
		}
	}
	if session == nil {
		session = NewSession(s.maxDocumentSize, s.broadcastBufferSize, s.undoIdleTimeout, s.undoSpanLimit)
	}

	doc := &Document{LastAccessed: time.Now(), Session: session}
	actual, _ := s.state.documents.LoadOrStore(id, doc)
	metrics.DocumentsActive.Set(float64(s.countDocuments()))
	return actual.(*Document), nil
}

func (s *Server) countDocuments() int {
	n := 0
	s.state.documents.Range(func(key, value interface{}) bool { n++; return true })
	return n
}

// StartCleaner starts the background document cleanup task.
func (s *Server) StartCleaner(ctx context.Context, expiryDays int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupExpiredDocuments(expiryDays)
		}
	}
}

// cleanupExpiredDocuments removes sessions that haven't been accessed
// recently and have no connected users.
func (s *Server) cleanupExpiredDocuments(expiryDays int) {
	expiry := time.Duration(expiryDays) * 24 * time.Hour
	now := time.Now()
	var toDelete []string

	s.state.documents.Range(func(key, value interface{}) bool {
		docID := key.(string)
		doc := value.(*Document)
		if now.Sub(doc.LastAccessed) > expiry && doc.Session.UserCount() == 0 {
			toDelete = append(toDelete, docID)
		}
		return true
	})

	if len(toDelete) > 0 {
		logger.Info("cleaner removing documents: %v", toDelete)
		for _, id := range toDelete {
			if val, ok := s.state.documents.LoadAndDelete(id); ok {
				val.(*Document).Session.Kill()
			}
		}
		metrics.DocumentsActive.Set(float64(s.countDocuments()))
	}
}

// MetricsHandler returns the Prometheus handler, for mounting on a
// dedicated metrics listener separate from the main traffic port.
func (s *Server) MetricsHandler() http.Handler {
	return metrics.Handler()
}

// RunHeartbeat ticks beater against every locally owned document once per
// beater.Interval, folding the peer vectors it gathers into that
// document's Algorithm.Cleanup so request logs shared across a multi-node
// deployment stay bounded.
func (s *Server) RunHeartbeat(ctx context.Context, beater *heartbeat.Beater) {
	interval := beater.Interval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.state.documents.Range(func(key, value interface{}) bool {
			docID := key.(string)
			session := value.(*Document).Session
			if session.Killed() {
				return true
			}
			peers, err := beater.Tick(ctx, docID, session.Vector())
			if err != nil {
				logger.Error("heartbeat tick for %s: %v", docID, err)
				return true
			}
			if len(peers) > 0 {
				session.Cleanup(peers)
			}
			return true
		})
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	logger.Info("Server listening on %s", addr)
	return http.ListenAndServe(addr, s)
}

// Shutdown gracefully shuts down the server, killing every in-memory
// session so blocked connections unwind.
func (s *Server) Shutdown(ctx context.Context) error {
	s.state.documents.Range(func(key, value interface{}) bool {
		value.(*Document).Session.Kill()
		return true
	})
	if s.state.db != nil {
		return s.state.db.Close()
	}
	return nil
}

// persister periodically flushes a session's new SessionRecord entries and
// document metadata to the database.
func (s *Server) persister(ctx context.Context, id string, session *Session) {
	const persistInterval = 3 * time.Second
	const persistJitter = 1 * time.Second

	for {
		jitter := time.Duration(rand.Int63n(int64(persistJitter)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(persistInterval + jitter):
		}

		if session.Killed() {
			return
		}

		startSeq, entries := session.PendingEntries()
		if len(entries) == 0 {
			continue
		}

		if err := s.state.db.AppendSessionRecordEntries(id, startSeq, entries); err != nil {
			logger.Error("error persisting session record for %s: %v", id, err)
			continue
		}
		session.MarkPersisted(startSeq + len(entries))

		doc := &database.PersistedDocument{
			ID:       id,
			Text:     session.Text(),
			Language: session.Language(),
			OTP:      session.GetOTP(),
		}
		if err := s.state.db.Store(doc); err != nil {
			logger.Error("error persisting document %s: %v", id, err)
		}
	}
}
