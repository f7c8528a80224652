package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spherical-ai/convertx/cmd/convertx-api/middleware"
	"github.com/spherical-ai/convertx/internal/domain"
)

// Events handles GET /jobs/{jobId}/events as a Server-Sent Events stream.
// The current progress is sent first; the stream ends after the terminal
// event.
func (h *JobHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorMessage(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming is not supported")
		return
	}

	ctx := r.Context()
	userID := middleware.UserFromContext(ctx)

	// subscribe before the snapshot so no update falls in between
	updates, cancel, err := h.service.Subscribe(ctx, userID, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	defer cancel()

	current, err := h.service.Progress(ctx, userID, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, current); err != nil {
		return
	}
	flusher.Flush()
	if current.Done() {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// events can be missed (dropped by a slow subscriber, or the
			// job deleted), so every tick re-reads the job
			latest, err := h.service.Progress(ctx, userID, id)
			if domain.IsType(err, domain.ErrorTypeJobNotFound) {
				return
			}
			if err == nil && advanced(latest, current) {
				current = latest
				if err := writeEvent(w, latest); err != nil {
					return
				}
				flusher.Flush()
				if latest.Done() {
					return
				}
				continue
			}
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case p, ok := <-updates:
			if !ok {
				return
			}
			if p.Finished < current.Finished && !p.Done() {
				continue
			}
			current = p
			if err := writeEvent(w, p); err != nil {
				return
			}
			flusher.Flush()
			if p.Done() {
				return
			}
		}
	}
}

// advanced reports whether p is newer than what the client last saw.
func advanced(p, last domain.Progress) bool {
	return p.Done() || p.Finished > last.Finished || p.Status != last.Status
}

func writeEvent(w http.ResponseWriter, p domain.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	event := "progress"
	if p.Done() {
		event = "done"
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
