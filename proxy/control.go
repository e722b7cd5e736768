package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/meigma/shellcache"
)

// maxMessageBytes bounds control message bodies.
const maxMessageBytes = 64 << 10

func (h *Handler) serveControl(w http.ResponseWriter, r *http.Request) {
	switch strings.TrimPrefix(r.URL.Path, ControlPrefix) {
	case "message":
		h.serveMessage(w, r)
	case "events":
		h.serveEvents(w, r)
	case "close":
		h.serveClose(w, r)
	default:
		http.NotFound(w, r)
	}
}

// serveMessage posts a JSON message to the worker and writes its reply.
func (h *Handler) serveMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var msg shellcache.Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageBytes)).Decode(&msg); err != nil {
		http.Error(w, fmt.Sprintf("decode message: %v", err), http.StatusBadRequest)
		return
	}
	if msg.Type == "" {
		http.Error(w, "message type is required", http.StatusBadRequest)
		return
	}

	resp, err := h.host.PostMessage(r.Context(), h.clientID(r), msg)
	switch {
	case errors.Is(err, shellcache.ErrNoWorker):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case err != nil:
		h.logger.Warn("message handler failed", "type", msg.Type, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	case resp == nil:
		w.WriteHeader(http.StatusNoContent)
	default:
		if err := resp.Serve(w); err != nil {
			h.logger.Debug("write message reply", "error", err)
		}
	}
}

// serveEvents streams the page's client events as server-sent events
// until the page disconnects, the page is closed or CloseStreams is called.
func (h *Handler) serveEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := h.clientID(r)
	events, cancel, err := h.host.Clients().Subscribe(id)
	if err != nil {
		http.Error(w, "unknown client", http.StatusNotFound)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.streamsDone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("encode client event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// serveClose forgets the page, which may let a waiting version activate.
func (h *Handler) serveClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	err := h.host.ClientClosed(r.Context(), h.clientID(r))
	switch {
	case errors.Is(err, shellcache.ErrClientNotFound):
		http.Error(w, "unknown client", http.StatusNotFound)
	case err != nil:
		h.logger.Warn("close client", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
