package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/domain"
	apperrors "github.com/devpulse/devpulse/internal/errors"
	"github.com/devpulse/devpulse/internal/pipeline"
	"github.com/devpulse/devpulse/internal/storage"
)

// Handler handles API requests
type Handler struct {
	store    storage.Storage
	pipeline *pipeline.Pipeline
	worker   *pipeline.Worker
	logger   *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(store storage.Storage, p *pipeline.Pipeline, worker *pipeline.Worker, logger *zap.Logger) *Handler {
	return &Handler{
		store:    store,
		pipeline: p,
		worker:   worker,
		logger:   logger,
	}
}

type createUserRequest struct {
	GitHubID    int64  `json:"github_id" binding:"required"`
	Login       string `json:"login" binding:"required"`
	AccessToken string `json:"access_token" binding:"required"`
}

// CreateUser registers or updates a connected GitHub account
// POST /api/v1/users
func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewBadRequestError(err.Error()))
		return
	}

	user, err := h.store.UpsertUser(c.Request.Context(), &domain.User{
		GitHubID:    req.GitHubID,
		Login:       req.Login,
		AccessToken: req.AccessToken,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"data": user,
	})
}

// GetUser returns one registered user
// GET /api/v1/users/:userID
func (h *Handler) GetUser(c *gin.Context) {
	userID, ok := paramID(c, "userID")
	if !ok {
		return
	}

	user, err := h.store.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": user,
	})
}

// ListRepositories returns the user's tracked repositories
// GET /api/v1/users/:userID/repositories
func (h *Handler) ListRepositories(c *gin.Context) {
	userID, ok := paramID(c, "userID")
	if !ok {
		return
	}

	repos, err := h.store.GetRepositoriesByUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": repos,
	})
}

// SyncRepositories refreshes the repository list from GitHub
// POST /api/v1/users/:userID/repositories/sync
func (h *Handler) SyncRepositories(c *gin.Context) {
	userID, ok := paramID(c, "userID")
	if !ok {
		return
	}

	repos, err := h.pipeline.SyncRepositories(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": repos,
	})
}

type selectRepositoriesRequest struct {
	RepoIDs []int64 `json:"repo_ids" binding:"required"`
}

// SelectRepositories replaces the user's digest selection
// PUT /api/v1/users/:userID/repositories/selected
func (h *Handler) SelectRepositories(c *gin.Context) {
	userID, ok := paramID(c, "userID")
	if !ok {
		return
	}

	var req selectRepositoriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewBadRequestError(err.Error()))
		return
	}

	if err := h.store.SetSelectedRepositories(c.Request.Context(), userID, req.RepoIDs); err != nil {
		respondError(c, err)
		return
	}

	repos, err := h.store.GetSelectedRepositories(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": repos,
	})
}

type triggerRequest struct {
	RepoID   int64 `json:"repo_id"`
	DaysBack int   `json:"days_back"`
	Force    bool  `json:"force"`
}

// TriggerIngestion enqueues a background ingestion run
// POST /api/v1/users/:userID/ingestion/trigger
func (h *Handler) TriggerIngestion(c *gin.Context) {
	h.enqueue(c, pipeline.JobKindIngest)
}

// TriggerDigest enqueues a background digest run
// POST /api/v1/users/:userID/digests/trigger
func (h *Handler) TriggerDigest(c *gin.Context) {
	h.enqueue(c, pipeline.JobKindDigest)
}

func (h *Handler) enqueue(c *gin.Context, kind pipeline.JobKind) {
	userID, ok := paramID(c, "userID")
	if !ok {
		return
	}

	// An empty body runs with defaults
	var req triggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperrors.NewBadRequestError(err.Error()))
			return
		}
	}

	if _, err := h.store.GetUserByID(c.Request.Context(), userID); err != nil {
		respondError(c, err)
		return
	}

	job := pipeline.Job{
		Kind:     kind,
		UserID:   userID,
		RepoID:   req.RepoID,
		DaysBack: req.DaysBack,
		Force:    req.Force,
	}
	if err := h.worker.Enqueue(job); err != nil {
		respondError(c, apperrors.NewRateLimitedError(err.Error()))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"data": gin.H{
			"status": "queued",
			"kind":   string(kind),
		},
	})
}

const defaultActivityLimit = 100

// GetActivities returns raw activity events of a repository, newest first.
// With start_date and end_date it reads the window (both ends inclusive),
// otherwise the most recent rows up to limit (default 100).
// GET /api/v1/activities/repo/:repoID
func (h *Handler) GetActivities(c *gin.Context) {
	repoID, ok := paramID(c, "repoID")
	if !ok {
		return
	}

	startRaw := c.Query("start_date")
	endRaw := c.Query("end_date")

	var events []*domain.ActivityEvent
	var err error
	if startRaw != "" && endRaw != "" {
		start, perr := parseDate(startRaw)
		if perr != nil {
			respondError(c, apperrors.NewBadRequestError("start_date must be RFC 3339 or YYYY-MM-DD"))
			return
		}
		end, perr := parseDate(endRaw)
		if perr != nil {
			respondError(c, apperrors.NewBadRequestError("end_date must be RFC 3339 or YYYY-MM-DD"))
			return
		}
		events, err = h.store.GetActivitiesByRepoAndRange(c.Request.Context(), repoID, start, end)
	} else {
		limit := defaultActivityLimit
		if raw := c.Query("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				respondError(c, apperrors.NewBadRequestError("limit must be a positive integer"))
				return
			}
		}
		events, err = h.store.GetActivitiesByRepo(c.Request.Context(), repoID, limit)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": events,
	})
}

func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

// GetDigestsByRepo returns every live digest of a repository, newest first
// GET /api/v1/digests/repo/:repoID
func (h *Handler) GetDigestsByRepo(c *gin.Context) {
	repoID, ok := paramID(c, "repoID")
	if !ok {
		return
	}

	digests, err := h.store.GetDigestsByRepo(c.Request.Context(), repoID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": digests,
	})
}

// GetLatestDigest returns the most recent digest of a repository
// GET /api/v1/digests/repo/:repoID/latest
func (h *Handler) GetLatestDigest(c *gin.Context) {
	repoID, ok := paramID(c, "repoID")
	if !ok {
		return
	}

	digest, err := h.store.GetLatestDigest(c.Request.Context(), repoID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": digest,
	})
}

// GetLatestDigests returns the most recent digest of each selected
// repository of a user
// GET /api/v1/users/:userID/digests/latest
func (h *Handler) GetLatestDigests(c *gin.Context) {
	userID, ok := paramID(c, "userID")
	if !ok {
		return
	}

	repos, err := h.store.GetSelectedRepositories(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	digests := make([]*domain.Digest, 0, len(repos))
	for _, repo := range repos {
		digest, err := h.store.GetLatestDigest(c.Request.Context(), repo.ID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				continue
			}
			respondError(c, err)
			return
		}
		digests = append(digests, digest)
	}

	c.JSON(http.StatusOK, gin.H{
		"data": digests,
	})
}

// GetDigest returns one digest by id
// GET /api/v1/digests/:digestID
func (h *Handler) GetDigest(c *gin.Context) {
	digestID, ok := paramID(c, "digestID")
	if !ok {
		return
	}

	digest, err := h.store.GetDigestByID(c.Request.Context(), digestID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": digest,
	})
}

// DeleteDigest soft-deletes one digest
// DELETE /api/v1/digests/:digestID
func (h *Handler) DeleteDigest(c *gin.Context) {
	digestID, ok := paramID(c, "digestID")
	if !ok {
		return
	}

	if err := h.store.SoftDeleteDigest(c.Request.Context(), digestID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{"deleted": true},
	})
}

// HealthCheck returns the health status of the API
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// paramID parses a numeric path parameter, responding 400 on garbage
func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, apperrors.NewBadRequestError(name+" must be a positive integer"))
		return 0, false
	}
	return id, true
}

// respondError sends an error response
func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		status := http.StatusInternalServerError
		switch appErr.Code {
		case apperrors.ErrCodeNotFound:
			status = http.StatusNotFound
		case apperrors.ErrCodeBadRequest:
			status = http.StatusBadRequest
		case apperrors.ErrCodeRestricted:
			status = http.StatusForbidden
		case apperrors.ErrCodeRateLimited:
			status = http.StatusTooManyRequests
		case apperrors.ErrCodeGeneration:
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{
			"error": gin.H{
				"code":    appErr.Code,
				"message": appErr.Message,
			},
		})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{
			"code":    apperrors.ErrCodeInternal,
			"message": err.Error(),
		},
	})
}
