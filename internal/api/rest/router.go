package rest

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/lyricvote/config"
	"github.com/lvdashuaibi/lyricvote/internal/api/graph"
	"github.com/lvdashuaibi/lyricvote/internal/model"
	"github.com/lvdashuaibi/lyricvote/internal/service"
	"go.uber.org/zap"
)

// HealthCheck 依赖健康检查
type HealthCheck func(ctx context.Context) error

type Handler struct {
	feedbackService *service.FeedbackService
	feed            config.FeedConfig
	checks          map[string]HealthCheck
	logger          *zap.Logger
}

// NewRouter 注册全部路由；graphQL为nil时不挂载GraphQL
func NewRouter(
	feedbackService *service.FeedbackService,
	graphQL *graph.GraphQLServer,
	feed config.FeedConfig,
	checks map[string]HealthCheck,
	logger *zap.Logger,
) *gin.Engine {
	h := &Handler{
		feedbackService: feedbackService,
		feed:            feed,
		checks:          checks,
		logger:          logger,
	}

	r := gin.New()
	r.Use(requestID(), accessLog(logger), recovery(logger))

	fb := r.Group("/feedback")
	fb.GET("/upvote_line", h.upvoteLine)
	fb.GET("/downvote_line", h.downvoteLine)
	fb.POST("/general", h.submitFeedback)
	fb.GET("/recent", h.recentVotes)
	fb.GET("/rss", h.rss)
	fb.GET("/lyric", h.lyricVote)

	r.GET("/healthz", h.health)

	if graphQL != nil {
		r.POST(graphQL.Path(), gin.WrapH(graphQL.Handler()))
		r.GET("/playground", func(c *gin.Context) {
			c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(graph.PlaygroundHTML(graphQL.Path())))
		})
	}

	return r
}

func (h *Handler) upvoteLine(c *gin.Context) {
	resp, err := h.feedbackService.UpvoteLine(c.Request.Context(), c.Query("album"), c.Query("song_name"), c.Query("line"))
	h.writeVote(c, resp, err)
}

func (h *Handler) downvoteLine(c *gin.Context) {
	resp, err := h.feedbackService.DownvoteLine(c.Request.Context(), c.Query("album"), c.Query("song_name"), c.Query("line"))
	h.writeVote(c, resp, err)
}

// 持久化失败时投票已进入最近投票，返回200和success=false
func (h *Handler) writeVote(c *gin.Context, resp *model.VoteResponse, err error) {
	switch {
	case err == nil, errors.Is(err, service.ErrStorage):
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, resp)
	default:
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "internal error"})
	}
}

func (h *Handler) submitFeedback(c *gin.Context) {
	var feedback model.Feedback
	if err := c.ShouldBindJSON(&feedback); err != nil {
		c.JSON(http.StatusBadRequest, model.FeedbackResponse{
			Success:   false,
			Message:   "无效的请求体: " + err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return
	}

	resp, err := h.feedbackService.SubmitFeedback(c.Request.Context(), feedback)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, resp)
	default:
		c.Error(err)
		c.JSON(http.StatusInternalServerError, resp)
	}
}

func (h *Handler) recentVotes(c *gin.Context) {
	limit, ok := parseLimit(c, 0)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"votes": h.feedbackService.RecentVotes(limit)})
}

func (h *Handler) rss(c *gin.Context) {
	limit, ok := parseLimit(c, h.feed.Limit)
	if !ok {
		return
	}

	body, err := xml.MarshalIndent(buildFeed(h.feed, h.feedbackService.RecentVotes(limit)), "", "  ")
	if err != nil {
		c.Error(err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", append([]byte(xml.Header), body...))
}

func (h *Handler) lyricVote(c *gin.Context) {
	vote, err := h.feedbackService.LyricVote(c.Request.Context(), c.Query("album"), c.Query("song_name"), c.Query("line"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, vote)
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
	default:
		c.Error(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "storage unavailable"})
	}
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	result := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			result[name] = err.Error()
			continue
		}
		result[name] = "ok"
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": result})
}

// parseLimit 解析limit参数，非法时直接写400
func parseLimit(c *gin.Context, fallback int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return fallback, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "limit 必须是正整数"})
		return 0, false
	}
	return limit, true
}
