// Package server exposes the engine's read/query contract over HTTP.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tomasweil/confluence/internal/engine"
	"github.com/tomasweil/confluence/internal/store"
	"github.com/tomasweil/confluence/internal/types"
)

// Server wraps the gin router over an Engine.
type Server struct {
	engine *engine.Engine
	router *gin.Engine
}

// New builds the HTTP API.
func New(eng *engine.Engine) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{engine: eng, router: router}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.POST("/ingest", s.handleIngest)
		api.GET("/themes", s.handleThemes)
		api.GET("/themes/:id/history", s.handleHistory)
		api.POST("/themes/:id/status", s.handleStatus)
		api.GET("/synthesis", s.handleSynthesis)
	}

	return s
}

// Run starts serving on addr, blocking until the listener fails.
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleIngest(c *gin.Context) {
	var items []types.ContentItem
	if err := c.ShouldBindJSON(&items); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON array of content items: " + err.Error()})
		return
	}

	result, err := s.engine.Ingest(c.Request.Context(), items)
	if err != nil {
		// Whole-batch failure: nothing was committed.
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) handleThemes(c *gin.Context) {
	filter := store.ThemeFilter{}

	if status := c.Query("status"); status != "" {
		ts := types.ThemeStatus(status)
		if !ts.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status: " + status})
			return
		}
		filter.Status = ts
	}
	if min := c.Query("min_conviction"); min != "" {
		v, err := strconv.ParseFloat(min, 64)
		if err != nil || v < 0 || v > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "min_conviction must be in [0,1]"})
			return
		}
		filter.MinConviction = v
	}

	themes, err := s.engine.ActiveThemes(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if themes == nil {
		themes = []*types.Theme{}
	}

	c.JSON(http.StatusOK, themes)
}

func (s *Server) handleHistory(c *gin.Context) {
	history, err := s.engine.ThemeHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrThemeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "theme not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if history == nil {
		history = []types.ConvictionPoint{}
	}

	c.JSON(http.StatusOK, history)
}

func (s *Server) handleStatus(c *gin.Context) {
	var body struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.engine.MarkTheme(c.Request.Context(), c.Param("id"), types.ThemeStatus(body.Status))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrThemeNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "theme not found"})
		case errors.Is(err, engine.ErrInvalidTransition):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) handleSynthesis(c *gin.Context) {
	tier, err := strconv.Atoi(c.DefaultQuery("tier", "1"))
	if err != nil || tier < 1 || tier > 3 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tier must be 1, 2 or 3"})
		return
	}

	if id := c.Query("snapshot"); id != "" {
		snap, err := s.engine.Snapshot(c.Request.Context(), id, tier)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if snap == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
			return
		}
		c.JSON(http.StatusOK, snap)
		return
	}

	window := types.TimeRange{}
	if hours, err := strconv.Atoi(c.DefaultQuery("window_hours", "24")); err == nil && hours > 0 {
		window.From = time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	}

	snap, err := s.engine.Synthesis(c.Request.Context(), window, tier)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, snap)
}
