// Package api exposes the context evolution engine over HTTP with gin, and
// its event stream as server-sent events.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dan-solli/ctxrelay/pkg/ctxrelay"
	"github.com/dan-solli/ctxrelay/pkg/store"
)

// Options configures a Server.
type Options struct {
	Logger *slog.Logger
	// Registry is served on MetricsPath when set.
	Registry    prometheus.Gatherer
	MetricsPath string
	// KeepaliveInterval between SSE ping comments (default: 15s).
	KeepaliveInterval time.Duration
}

// Server routes HTTP requests to the engine.
type Server struct {
	engine    *ctxrelay.Engine
	logger    *slog.Logger
	keepalive time.Duration
	router    *gin.Engine
}

// NewServer builds the router. gin's mode is left to the caller.
func NewServer(engine *ctxrelay.Engine, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 15 * time.Second
	}

	s := &Server{
		engine:    engine,
		logger:    logger.With("component", "api"),
		keepalive: opts.KeepaliveInterval,
		router:    gin.New(),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.routes(opts)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// routes registers every endpoint.
//
//	POST /v1/contexts                    initialize
//	GET  /v1/contexts/:id                get context
//	POST /v1/contexts/:id/relay          relay a delta
//	POST /v1/contexts/merge              merge contexts
//	POST /v1/contexts/:id/prune          prune to a budget
//	POST /v1/contexts/:id/versions       create a version
//	GET  /v1/contexts/:id/versions       list versions
//	POST /v1/contexts/:id/search         similar fragments
//	GET  /v1/events                      event stream (SSE)
//	GET  /v1/events/history              buffered events
func (s *Server) routes(opts Options) {
	s.router.GET("/healthz", s.handleHealth)
	if opts.Registry != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.router.GET(path, gin.WrapH(promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/v1")
	v1.POST("/contexts", s.handleInitialize)
	v1.POST("/contexts/merge", s.handleMerge)
	v1.GET("/contexts/:id", s.handleGetContext)
	v1.POST("/contexts/:id/relay", s.handleRelay)
	v1.POST("/contexts/:id/prune", s.handlePrune)
	v1.POST("/contexts/:id/versions", s.handleCreateVersion)
	v1.GET("/contexts/:id/versions", s.handleListVersions)
	v1.POST("/contexts/:id/search", s.handleSearch)
	v1.GET("/events", s.handleEvents)
	v1.GET("/events/history", s.handleHistory)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"subscribers": s.engine.Events().SubscriberCount(),
		"last_event":  s.engine.Events().LastID(),
	})
}

func (s *Server) handleInitialize(c *gin.Context) {
	var req initializeRequest
	if !s.bind(c, ctxrelay.OpInitialize, &req) {
		return
	}

	in := ctxrelay.InitializeRequest{
		SessionID:   req.SessionID,
		Fragments:   toFragments(req.Fragments),
		Metadata:    req.Metadata,
		SourceAgent: req.SourceAgent,
	}
	if len(req.InitialInput) > 0 && string(req.InitialInput) != "null" {
		var text string
		if err := json.Unmarshal(req.InitialInput, &text); err == nil {
			in.Input = text
		} else {
			f := store.Fragment{
				Content: req.InitialInput,
				Metadata: store.FragmentMetadata{
					SourceAgent: req.SourceAgent,
					Confidence:  1.0,
					Importance:  1.0,
					Type:        store.FragmentTypeData,
				},
			}
			in.Fragments = append([]store.Fragment{f}, in.Fragments...)
		}
	}

	p, err := s.engine.Initialize(c.Request.Context(), in)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, initializeResponse{ContextID: p.ContextID, ContextPacket: p})
}

func (s *Server) handleGetContext(c *gin.Context) {
	p, err := s.engine.GetContext(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleRelay(c *gin.Context) {
	var req relayRequest
	if !s.bind(c, ctxrelay.OpRelay, &req) {
		return
	}

	decisions := make([]store.DecisionRecord, len(req.Delta.DecisionUpdates))
	for i, d := range req.Delta.DecisionUpdates {
		decisions[i] = store.DecisionRecord{
			Agent:     d.Agent,
			Decision:  d.Decision,
			Reasoning: d.Reasoning,
			Timestamp: d.Timestamp,
		}
	}

	res, err := s.engine.Relay(c.Request.Context(), ctxrelay.RelayRequest{
		ContextID: c.Param("id"),
		FromAgent: req.FromAgent,
		ToAgent:   req.ToAgent,
		Delta: ctxrelay.Delta{
			Add:       toFragments(req.Delta.NewFragments),
			Remove:    req.Delta.RemovedFragmentIDs,
			Decisions: decisions,
		},
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	conflicts := res.Conflicts
	if conflicts == nil {
		conflicts = []store.ConflictPair{}
	}
	c.JSON(http.StatusOK, relayResponse{ContextPacket: res.Packet, Conflicts: conflicts})
}

func (s *Server) handleMerge(c *gin.Context) {
	var req mergeRequest
	if !s.bind(c, ctxrelay.OpMerge, &req) {
		return
	}

	res, err := s.engine.Merge(c.Request.Context(), ctxrelay.MergeRequest{
		ContextIDs: req.ContextIDs,
		Strategy:   req.MergeStrategy,
		SessionID:  req.SessionID,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, mergeResponse{MergedContext: res.Packet, ConflictReport: res.ConflictReport})
}

func (s *Server) handlePrune(c *gin.Context) {
	var req pruneRequest
	if !s.bind(c, ctxrelay.OpPrune, &req) {
		return
	}

	p, err := s.engine.Prune(c.Request.Context(), ctxrelay.PruneRequest{
		ContextID: c.Param("id"),
		Strategy:  req.PruningStrategy,
		Budget:    req.Budget,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pruneResponse{PrunedContext: p})
}

func (s *Server) handleCreateVersion(c *gin.Context) {
	var req versionRequest
	// the body is optional
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.reject(c, ctxrelay.OpCreateVersion, err)
		return
	}

	snap, err := s.engine.CreateVersion(c.Request.Context(), c.Param("id"), req.VersionLabel)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toVersionInfo(snap))
}

func (s *Server) handleListVersions(c *gin.Context) {
	snaps, err := s.engine.ListVersions(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	infos := make([]versionInfo, len(snaps))
	for i, snap := range snaps {
		infos[i] = toVersionInfo(snap)
	}
	c.JSON(http.StatusOK, versionsResponse{ContextID: c.Param("id"), Versions: infos})
}

func (s *Server) handleSearch(c *gin.Context) {
	req := searchRequest{Limit: 5}
	if !s.bind(c, ctxrelay.OpFindSimilar, &req) {
		return
	}
	minScore := 0.7
	if req.MinScore != nil {
		minScore = *req.MinScore
	}

	hits, err := s.engine.FindSimilar(c.Request.Context(), c.Param("id"), req.Query, req.Limit, minScore)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if hits == nil {
		hits = []ctxrelay.SimilarFragment{}
	}
	c.JSON(http.StatusOK, searchResponse{Results: hits, Count: len(hits)})
}

// bind decodes and validates the JSON body. A body that fails is rejected
// as a failed op, so it is counted and broadcast like any engine failure.
func (s *Server) bind(c *gin.Context, op string, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		s.reject(c, op, err)
		return false
	}
	return true
}

func (s *Server) reject(c *gin.Context, op string, err error) {
	s.writeError(c, s.engine.Reject(c.Request.Context(), op, c.Param("id"), err))
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind ctxrelay.Kind) int {
	switch kind {
	case ctxrelay.KindNotFound:
		return http.StatusNotFound
	case ctxrelay.KindInvalidInput:
		return http.StatusBadRequest
	case ctxrelay.KindConflict, ctxrelay.KindVersionConflict:
		return http.StatusConflict
	case ctxrelay.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case ctxrelay.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	body := errorBody{Code: string(ctxrelay.KindOf(err)), Message: err.Error()}
	var typed *ctxrelay.Error
	if errors.As(err, &typed) {
		body.Code = string(typed.Kind)
		if typed.Message != "" {
			body.Message = typed.Message
		}
		body.CurrentVersion = typed.CurrentVersion
		body.MissingIDs = typed.MissingIDs
	}
	status := statusFor(ctxrelay.Kind(body.Code))
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: body})
}
