package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/pulse/async"
	"github.com/teranos/relay/version"
)

const (
	defaultBatchListLimit = 20
	maxBatchListLimit     = 200
)

// HandleHealth reports server state and pulse counters. A failing pulse
// status read answers 503 so load balancers take the instance out.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		State:   s.getState().String(),
		Version: version.Get().Short(),
		Clients: s.clientCount(),
		Drops:   s.drops.Load(),
	}

	status, err := s.pulse.Status(r.Context())
	if err != nil {
		s.logger.Warnw("Pulse status unavailable", logger.FieldError, err)
		resp.Status = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Pulse = status
	writeJSON(w, http.StatusOK, resp)
}

// HandleRun submits a run of the note. Without paragraphs in the body the
// note is read from the configured note source.
func (s *Server) HandleRun(w http.ResponseWriter, r *http.Request) {
	noteID := r.PathValue("note")

	var req RunRequest
	if !readJSON(w, r, &req) {
		return
	}

	var (
		batch *async.Batch
		err   error
	)
	if len(req.Paragraphs) > 0 {
		batch, err = s.pulse.SubmitRun(r.Context(), noteID, req.Paragraphs, req.User, req.Roles)
	} else {
		batch, err = s.pulse.SubmitNote(r.Context(), noteID, req.User, req.Roles)
	}
	if err != nil {
		s.logger.Infow("Run rejected", logger.FieldNoteID, noteID, logger.FieldError, err)
		writeErrorFor(w, err)
		return
	}

	jobs, err := s.batches.ListJobsForBatch(r.Context(), batch.ID)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, BatchResponse{Batch: batch, Jobs: jobs})
}

// HandleAbort requests an abort of the note's active run
func (s *Server) HandleAbort(w http.ResponseWriter, r *http.Request) {
	noteID := r.PathValue("note")

	batch, err := s.pulse.AbortRun(r.Context(), noteID)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, BatchResponse{Batch: batch})
}

// HandleBatch returns one batch with its jobs
func (s *Server) HandleBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	batch, err := s.batches.GetBatch(r.Context(), id)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	jobs, err := s.batches.ListJobsForBatch(r.Context(), id)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchResponse{Batch: batch, Jobs: jobs})
}

// HandleBatches lists the note's most recent batches, newest first
func (s *Server) HandleBatches(w http.ResponseWriter, r *http.Request) {
	noteID := r.PathValue("note")
	limit := queryInt(r, "limit", defaultBatchListLimit, maxBatchListLimit)

	batches, err := s.batches.ListBatches(r.Context(), noteID, limit)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

// HandleWebSocket upgrades the connection and attaches it to the hub
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.getState() != ServerStateRunning {
		writeError(w, http.StatusServiceUnavailable, "server is not accepting connections")
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", logger.FieldError, err)
		return
	}

	client := &Client{
		server: s,
		conn:   conn,
		send:   make(chan interface{}, MaxClientMessageQueueSize),
		id:     clientID(r),
	}

	// Queued ahead of any event, so a client that has read the hello is
	// already registered with the hub
	client.send <- HelloMessage{Type: "hello", ClientID: client.id, Version: version.Get()}

	select {
	case s.register <- client:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
}

func clientID(r *http.Request) string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("%s-%d", r.RemoteAddr, time.Now().UnixNano())
	}
	return id.String()
}
