package server

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rbnvrw/frapalyzer/internal/frap"
	"github.com/rbnvrw/frapalyzer/internal/report"
	"github.com/rbnvrw/frapalyzer/internal/source"
	"github.com/rs/zerolog/log"
)

type analyzeRequest struct {
	URI                string `json:"uri" binding:"required"`
	Channel            *int   `json:"channel"`
	SubtractBackground *bool  `json:"subtract_background"`
	OnlyPositive       *bool  `json:"only_positive"`
	PlateauWindow      *int   `json:"plateau_window"`
	Format             string `json:"format"`
}

func (req analyzeRequest) options(base frap.Options) frap.Options {
	if req.Channel != nil {
		base.Channel = *req.Channel
	}
	if req.SubtractBackground != nil {
		base.SubtractBackground = *req.SubtractBackground
	}
	if req.OnlyPositive != nil {
		base.OnlyPositive = *req.OnlyPositive
	}
	if req.PlateauWindow != nil {
		base.PlateauWindow = *req.PlateauWindow
	}
	return base
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Started).String(),
			"service": "frapalyzer",
			"version": Version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":    true,
			"uptime":   time.Since(s.Started).String(),
			"analyses": len(s.Registry.IDs()),
			"version":  Version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/analyses", s.createAnalysis)
	r.GET("/analyses", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"analyses": s.Registry.IDs()})
	})
	r.GET("/analyses/:id", s.getAnalysis)
	r.GET("/analyses/:id/curve.csv", func(c *gin.Context) {
		e, err := s.Registry.Get(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Header("Content-Disposition", `attachment; filename="`+e.ID+`.csv"`)
		s.render(c, e.Result, report.FormatCSV)
	})
}

func (s *Server) createAnalysis(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	format, err := report.ParseFormat(req.Format)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runner := s.Runner
	runner.Analysis = req.options(runner.Analysis)
	res, err := runner.Analyze(c.Request.Context(), req.URI)
	if err != nil {
		log.Warn().Err(err).Str("uri", req.URI).Msg("analysis request failed")
		c.JSON(analysisStatus(err), gin.H{"error": err.Error()})
		return
	}

	e, err := s.Registry.Add(req.URI, res)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	body := gin.H{"id": e.ID, "result": e.Result}
	if req.Format != "" && format != report.FormatJSON {
		rendered, err := report.String(res, format)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		body["report"] = rendered
	}
	c.Header("Location", "/analyses/"+e.ID)
	c.JSON(http.StatusCreated, body)
}

func (s *Server) getAnalysis(c *gin.Context) {
	e, err := s.Registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	raw := c.Query("format")
	if raw == "" {
		c.JSON(http.StatusOK, e)
		return
	}
	format, err := report.ParseFormat(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if format == report.FormatJSON {
		c.JSON(http.StatusOK, e)
		return
	}
	s.render(c, e.Result, format)
}

func (s *Server) render(c *gin.Context, res frap.Result, format report.Format) {
	var buf bytes.Buffer
	if err := report.Render(&buf, res, format); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, report.ContentType(format), buf.Bytes())
}

func analysisStatus(err error) int {
	switch {
	case errors.Is(err, source.ErrSchemeNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, source.ErrUnsupportedScheme),
		errors.Is(err, source.ErrInvalidURI),
		errors.Is(err, frap.ErrInvalidOptions):
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}
