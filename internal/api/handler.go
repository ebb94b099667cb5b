package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/itstheanurag/runbox/internal/classify"
	"github.com/itstheanurag/runbox/internal/executor"
	"github.com/itstheanurag/runbox/internal/languages"
	"github.com/rs/zerolog"
)

const DefaultLanguage = "python"

// Submitter runs a submission through admission control.
type Submitter interface {
	Submit(ctx context.Context, sub executor.Submission) *executor.ExecutionResult
}

type CompilerRequest struct {
	Code string `json:"code"`
	Lang string `json:"lang"`
}

type Handler struct {
	scheduler    Submitter
	registry     *languages.Registry
	maxBodyBytes int64
	logger       *zerolog.Logger
}

func NewHandler(scheduler Submitter, registry *languages.Registry, maxBodyBytes int64, logger *zerolog.Logger) *Handler {
	return &Handler{
		scheduler:    scheduler,
		registry:     registry,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// Compile runs {code, lang} and answers {output, isError}. Every classified
// outcome is a 200 except overload, which is a 503.
func (h *Handler) Compile(c *gin.Context) {
	if h.maxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)
	}

	var req CompilerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if strings.TrimSpace(req.Code) == "" {
		c.JSON(http.StatusOK, classify.EmptyCode())
		return
	}
	lang := req.Lang
	if strings.TrimSpace(lang) == "" {
		lang = DefaultLanguage
	}

	sub := executor.NewSubmission(lang, req.Code)
	c.Header("X-Submission-Id", sub.ID)
	c.Set(submissionKey, sub.ID)

	res := h.scheduler.Submit(c.Request.Context(), sub)
	resp := classify.Classify(res)
	c.Set(outcomeKey, string(res.Outcome))

	if res.Outcome == executor.OutcomeRejected {
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type LanguageInfo struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Aliases  []string   `json:"aliases,omitempty"`
	Compiled bool       `json:"compiled"`
	Limits   LimitsInfo `json:"limits"`
}

type LimitsInfo struct {
	CPUTimeMs        int64 `json:"cpu_time_ms"`
	WallTimeoutMs    int64 `json:"wall_timeout_ms"`
	CompileTimeoutMs int64 `json:"compile_timeout_ms,omitempty"`
	MemoryMB         int64 `json:"memory_mb"`
	OutputBytes      int64 `json:"output_bytes"`
}

// Languages lists the supported runner profiles.
func (h *Handler) Languages(c *gin.Context) {
	langs := h.registry.List()
	out := make([]LanguageInfo, 0, len(langs))
	for _, l := range langs {
		info := LanguageInfo{
			ID:       l.ID,
			Name:     l.Name,
			Aliases:  l.Aliases,
			Compiled: l.Compiled(),
			Limits: LimitsInfo{
				CPUTimeMs:     l.Limits.CPUTime.Milliseconds(),
				WallTimeoutMs: l.Limits.WallTimeout.Milliseconds(),
				MemoryMB:      l.Limits.MemoryBytes >> 20,
				OutputBytes:   l.Limits.OutputBytes,
			},
		}
		if l.Compiled() {
			info.Limits.CompileTimeoutMs = l.Limits.CompileTimeout.Milliseconds()
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, gin.H{"languages": out})
}
