package httpx

import "net/http"

// handleEvents upgrades the request to a server-sent event stream and blocks
// until the client disconnects. The broker owns all writes after Subscribe.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, err := r.broker.Subscribe(w, flusher)
	if err != nil {
		r.logger.Warn("sse subscribe failed", "error", err)
		return
	}
	defer r.broker.Unsubscribe(id)

	<-req.Context().Done()
}
