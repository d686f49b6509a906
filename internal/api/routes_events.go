package api

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/liqitap/internal/db"
	"github.com/energizer-project/liqitap/internal/protocol"
	"github.com/energizer-project/liqitap/internal/recorder"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

// handleEvents returns recent frames, newest first. The archive is used
// when enabled; otherwise records are read back from the JSON-lines file.
func (s *Server) handleEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultEventLimit)))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	kind := c.Query("type")
	if _, ok := protocol.ParseFrameKind(kind); kind != "" && kind != db.StatusRejected && !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be notify, req, res or rejected"})
		return
	}

	if s.deps.Store != nil {
		frames, err := s.deps.Store.Recent(c.Request.Context(), limit, kind)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"source": "database",
			"events": frames,
			"count":  len(frames),
		})
		return
	}

	if s.deps.Writer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no event sink is enabled"})
		return
	}

	if kind == db.StatusRejected {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rejected frames are only kept in the database"})
		return
	}

	// Read a wider window when filtering so the page is not mostly empty.
	window := limit
	if kind != "" {
		window = maxEventLimit
	}
	records, err := recorder.Last(s.deps.Writer.Path(), window)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]recorder.Record, 0, limit)
	for i := len(records) - 1; i >= 0 && len(out) < limit; i-- {
		r := records[i]
		if !r.IsFrame() || (kind != "" && r.Type != kind) {
			continue
		}
		out = append(out, r)
	}

	c.JSON(http.StatusOK, gin.H{
		"source": "output",
		"events": out,
		"count":  len(out),
	})
}

// handleEventStream follows the JSON-lines file and pushes each frame
// record appended to it as a server-sent event. By default only records
// written after the request are sent; offset=0 replays the whole file.
func (s *Server) handleEventStream(c *gin.Context) {
	if s.deps.Writer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "JSON-lines output is disabled"})
		return
	}
	kind := c.Query("type")
	if _, ok := protocol.ParseFrameKind(kind); kind != "" && !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be notify, req or res"})
		return
	}
	path := s.deps.Writer.Path()
	offset, err := streamOffset(path, c.Query("offset"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The server write timeout would cut a long-lived stream.
	if err := http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug().Err(err).Msg("event stream is bound by the server write timeout")
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	end, err := recorder.Tail(ctx, path, offset, s.tailInterval, func(rec recorder.Record) error {
		if !rec.IsFrame() || (kind != "" && rec.Type != kind) {
			return nil
		}
		c.SSEvent("frame", rec)
		c.Writer.Flush()
		return ctx.Err()
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("event stream stopped")
		return
	}
	s.logger.Debug().Int64("offset", end).Str("client", c.ClientIP()).Msg("event stream closed")
}

// streamOffset parses the offset query value. Empty means the current end
// of the file.
func streamOffset(path, raw string) (int64, error) {
	if raw == "" {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return 0, nil
			}
			return 0, fmt.Errorf("failed to stat output file: %w", err)
		}
		return info.Size(), nil
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("invalid offset %q", raw)
	}
	return offset, nil
}

// handleStats returns counters from every enabled component.
func (s *Server) handleStats(c *gin.Context) {
	resp := gin.H{}

	if s.deps.Observer != nil {
		resp["observer"] = s.deps.Observer.Stats()
	}
	if s.deps.Flows != nil {
		resp["active_flows"] = s.deps.Flows.Count()
	}
	if s.deps.Writer != nil {
		resp["output"] = s.deps.Writer.Stats()
	}
	if s.deps.Store != nil {
		stats, err := s.deps.Store.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp["database"] = stats
		resp["pending_requests"] = s.deps.Store.Correlator().Len()
	}

	c.JSON(http.StatusOK, resp)
}

// handleMethods returns per-method frame counts from the archive.
func (s *Server) handleMethods(c *gin.Context) {
	if s.deps.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database is disabled"})
		return
	}

	counts, err := s.deps.Store.MethodCounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	methods := make([]gin.H, 0, len(counts))
	for _, mc := range counts {
		methods = append(methods, gin.H{
			"method": mc.Method,
			"kind":   mc.Kind,
			"count":  mc.Count,
			"known":  protocol.LookupMethod(mc.Method).String(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"methods": methods,
		"total":   len(methods),
	})
}

// handleFlows lists the websocket connections currently relayed.
func (s *Server) handleFlows(c *gin.Context) {
	if s.deps.Flows == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay is not running"})
		return
	}

	flows := s.deps.Flows.List()
	c.JSON(http.StatusOK, gin.H{
		"flows": flows,
		"count": len(flows),
	})
}
