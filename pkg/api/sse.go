package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dan-solli/ctxrelay/pkg/ctxrelay"
	"github.com/dan-solli/ctxrelay/pkg/events"
)

// setSSEHeaders prepares a response for streaming.
func setSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// sseWriter encodes events in the text/event-stream wire format:
//
//	id: 42
//	event: relaySent
//	data: {"id":42,...}
//
// Resync and control frames carry no id line so they never move a client's
// Last-Event-ID.
type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func newSSEWriter(w io.Writer) *sseWriter {
	f, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: f}
}

func (s *sseWriter) writeEvent(ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event %d: %w", ev.ID, err)
	}
	var b strings.Builder
	if ev.ID > 0 {
		fmt.Fprintf(&b, "id: %d\n", ev.ID)
	}
	fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", ev.Type, data)
	return s.write(b.String())
}

func (s *sseWriter) writeControl(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	return s.write(fmt.Sprintf("event: %s\ndata: %s\n\n", name, data))
}

// writeComment sends a keepalive comment line.
func (s *sseWriter) writeComment(text string) error {
	return s.write(": " + text + "\n\n")
}

func (s *sseWriter) write(frame string) error {
	if _, err := io.WriteString(s.w, frame); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// parseTypes reads a comma-separated event type filter.
func parseTypes(raw string) ([]events.Type, error) {
	if raw == "" {
		return nil, nil
	}
	var out []events.Type
	for _, part := range strings.Split(raw, ",") {
		t := events.Type(strings.TrimSpace(part))
		if t == "" {
			continue
		}
		if !t.Valid() {
			return nil, fmt.Errorf("unknown event type %q", t)
		}
		out = append(out, t)
	}
	return out, nil
}

// lastEventID reads the resume point from the Last-Event-ID header, falling
// back to the last_event_id query parameter.
func lastEventID(c *gin.Context) (*uint64, error) {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("last_event_id")
	}
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid last event id %q", raw)
	}
	return &id, nil
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: errorBody{
		Code:    string(ctxrelay.KindInvalidInput),
		Message: err.Error(),
	}})
}

func (s *Server) handleEvents(c *gin.Context) {
	types, err := parseTypes(c.Query("types"))
	if err != nil {
		s.badRequest(c, err)
		return
	}
	last, err := lastEventID(c)
	if err != nil {
		s.badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	sub, err := s.engine.Events().Subscribe(ctx, events.SubscribeOptions{LastEventID: last, Types: types})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorResponse{Error: errorBody{
			Code:    string(ctxrelay.KindServiceUnavailable),
			Message: err.Error(),
		}})
		return
	}
	defer sub.Close()

	setSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	w := newSSEWriter(c.Writer)
	logger := s.logger.With("sub_id", sub.ID)

	if err := w.writeControl("connected", gin.H{
		"subscriptionId": sub.ID,
		"lastEventId":    s.engine.Events().LastID(),
	}); err != nil {
		return
	}
	if sub.Gap {
		resync := events.Event{Type: events.TypeResync, Timestamp: time.Now().UTC(), Payload: map[string]any{
			"reason": "requested events are no longer buffered",
		}}
		if err := w.writeEvent(resync); err != nil {
			return
		}
	}
	for _, ev := range sub.Replay {
		if err := w.writeEvent(ev); err != nil {
			logger.Debug("replay write failed", "error", err)
			return
		}
	}

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				logger.Debug("subscription closed", "dropped", sub.Dropped())
				return
			}
			if err := w.writeEvent(ev); err != nil {
				logger.Debug("event write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := w.writeComment("ping"); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleHistory(c *gin.Context) {
	t := events.Type(c.Query("type"))
	if t != "" && !t.Valid() {
		s.badRequest(c, fmt.Errorf("unknown event type %q", t))
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.badRequest(c, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	evs := s.engine.Events().History(t, limit)
	if evs == nil {
		evs = []events.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": evs, "count": len(evs)})
}
