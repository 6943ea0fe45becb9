package hub

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

const maxPollBody = 256 << 10

type pollOpenResponse struct {
	SID string `json:"sid"`
}

// handlePollPost opens a session (no sid) or accepts frames for one.
func (s *Server) handlePollPost(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	if sid == "" {
		c, err := s.hub.register(transportPolling)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.log.Info().Str("client", c.id).Str("remote", r.RemoteAddr).Msg("polling session opened")
		writeJSON(w, http.StatusOK, pollOpenResponse{SID: c.id})
		return
	}

	c, ok := s.pollSession(w, sid)
	if !ok {
		return
	}
	c.touch()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPollBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	var frames []json.RawMessage
	if err := json.Unmarshal(body, &frames); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON array of frames")
		return
	}
	for _, f := range frames {
		s.hub.handleInbound(c, f)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePollGet waits up to PollTimeout for frames and returns every frame
// queued at that point as a JSON array.
func (s *Server) handlePollGet(w http.ResponseWriter, r *http.Request) {
	c, ok := s.pollSession(w, r.URL.Query().Get("sid"))
	if !ok {
		return
	}
	if !c.pollMu.TryLock() {
		writeError(w, http.StatusConflict, "poll already in progress")
		return
	}
	defer c.pollMu.Unlock()
	c.touch()
	defer c.touch()

	frames, open := collect(r, c.send, s.hub.opts.PollTimeout)
	if !open && len(frames) == 0 {
		writeError(w, http.StatusGone, "session closed")
		return
	}
	if c.isDraining() && len(c.send) == 0 {
		s.hub.remove(c, "authentication failed")
	}
	writeJSON(w, http.StatusOK, frames)
}

// collect blocks for the first frame, then drains whatever else is queued.
// open is false once the session's queue has been closed.
func collect(r *http.Request, send <-chan []byte, timeout time.Duration) ([]json.RawMessage, bool) {
	frames := []json.RawMessage{}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-send:
		if !ok {
			return frames, false
		}
		frames = append(frames, msg)
	case <-timer.C:
		return frames, true
	case <-r.Context().Done():
		return frames, true
	}

	for {
		select {
		case msg, ok := <-send:
			if !ok {
				return frames, false
			}
			frames = append(frames, msg)
		default:
			return frames, true
		}
	}
}

func (s *Server) handlePollDelete(w http.ResponseWriter, r *http.Request) {
	c, ok := s.pollSession(w, r.URL.Query().Get("sid"))
	if !ok {
		return
	}
	s.hub.remove(c, "closed by client")
	s.log.Info().Str("client", c.id).Msg("polling session closed")
	w.WriteHeader(http.StatusNoContent)
}

var errNoSession = errors.New("unknown session")

func (s *Server) pollSession(w http.ResponseWriter, sid string) (*client, bool) {
	if sid == "" {
		writeError(w, http.StatusBadRequest, "sid required")
		return nil, false
	}
	c, ok := s.hub.lookup(sid)
	if !ok || c.transport != transportPolling {
		writeError(w, http.StatusNotFound, errNoSession.Error())
		return nil, false
	}
	return c, true
}
