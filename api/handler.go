// Package api exposes the service facade over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/robertmeta/feedpoll/model"
	"github.com/robertmeta/feedpoll/service"
	"github.com/robertmeta/feedpoll/store"
)

// Facade is the part of service.Service the API drives.
type Facade interface {
	Page(opts store.QueryOptions) ([]model.Article, int)
	Article(id string) (model.Article, bool)
	Sources() []model.Source
	AddSource(ctx context.Context, url string) (model.Source, error)
	AddDiscovered(ctx context.Context, pageURL string) (model.Source, error)
	RemoveSource(url string) error
	PollNow(url string) error
	DiscoverFeeds(ctx context.Context, pageURL string) ([]string, error)
	UpsertSelected(ctx context.Context, ids []string) (int, error)
	ImagePath(id string) (string, bool)
	Status() service.Status
}

// Handler serves the control API.
type Handler struct {
	svc    Facade
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(svc Facade, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// ArticlesResponse is a page of the corpus.
type ArticlesResponse struct {
	Articles []model.Article `json:"articles"`
	Total    int             `json:"total"`
	Limit    int             `json:"limit"`
	Offset   int             `json:"offset"`
}

type addSourceRequest struct {
	URL      string `json:"url" binding:"required"`
	Discover bool   `json:"discover"`
}

type pollRequest struct {
	URL string `json:"url"`
}

type upsertRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

func (h *Handler) GetHealth(c *gin.Context) {
	st := h.svc.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"articles":      st.Articles,
		"primary_store": st.PrimaryStore,
		"pending":       st.Pending,
	})
}

func (h *Handler) GetArticles(c *gin.Context) {
	limit := getQueryLimit(c)
	offset := getQueryOffset(c)

	opts, err := store.BuildQueryOptions(limit, offset, c.Query("since"), c.Query("source"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	articles, total := h.svc.Page(opts)
	if articles == nil {
		articles = []model.Article{}
	}

	c.JSON(http.StatusOK, ArticlesResponse{
		Articles: articles,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

func (h *Handler) GetArticle(c *gin.Context) {
	a, ok := h.svc.Article(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "article not found"})
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) UpsertArticles(c *gin.Context) {
	var req upsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids are required"})
		return
	}

	n, err := h.svc.UpsertSelected(c.Request.Context(), req.IDs)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upserted": n})
}

func (h *Handler) GetSources(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Sources())
}

func (h *Handler) AddSource(c *gin.Context) {
	var req addSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}

	var (
		src model.Source
		err error
	)
	if req.Discover {
		src, err = h.svc.AddDiscovered(c.Request.Context(), req.URL)
	} else {
		src, err = h.svc.AddSource(c.Request.Context(), req.URL)
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, src)
}

func (h *Handler) RemoveSource(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}

	if err := h.svc.RemoveSource(url); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) PollNow(c *gin.Context) {
	var req pollRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if u := c.Query("url"); u != "" {
		req.URL = u
	}

	if err := h.svc.PollNow(req.URL); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "url": req.URL})
}

func (h *Handler) Discover(c *gin.Context) {
	page := c.Query("url")
	if page == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}

	feeds, err := h.svc.DiscoverFeeds(c.Request.Context(), page)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"page": page, "feeds": feeds})
}

func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Status())
}

func (h *Handler) GetImage(c *gin.Context) {
	path, ok := h.svc.ImagePath(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not cached"})
		return
	}
	c.File(path)
}

// fail maps domain errors onto HTTP status codes.
func (h *Handler) fail(c *gin.Context, err error) {
	var (
		verr *model.ValidationError
		ferr *model.FetchError
		perr *model.ParseError
	)

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrLastSource):
		status = http.StatusConflict
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case errors.As(err, &ferr), errors.As(err, &perr):
		status = http.StatusBadGateway
	case errors.Is(err, model.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, service.ErrPollQueueFull):
		status = http.StatusTooManyRequests
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func getQueryInt(name string, defaultValue int, c *gin.Context) int {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return defaultValue
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid query parameter, using default", "param", name, "value", raw, "error", err)
		return defaultValue
	}
	return v
}

func getQueryLimit(c *gin.Context) int {
	const (
		defaultLimit = 50
		maxLimit     = 500
	)

	limit := getQueryInt("limit", defaultLimit, c)
	switch {
	case limit < 1:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	}
	return limit
}

func getQueryOffset(c *gin.Context) int {
	if offset := getQueryInt("offset", 0, c); offset > 0 {
		return offset
	}
	return 0
}
