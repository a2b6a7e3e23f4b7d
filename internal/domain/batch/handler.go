package batch

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/icdmap/icdmap/internal/domain/icd"
	"github.com/icdmap/icdmap/internal/platform/auth"
	"github.com/icdmap/icdmap/pkg/pagination"
)

// Handler exposes batch jobs over REST.
type Handler struct {
	repo Repository
	proc *Processor
}

func NewHandler(repo Repository, proc *Processor) *Handler {
	return &Handler{repo: repo, proc: proc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	jobs := api.Group("/batch/jobs")
	jobs.POST("", h.Create)
	jobs.POST("/upload", h.Upload)
	jobs.GET("", h.List)
	jobs.GET("/:id", h.Get)
}

type createRequest struct {
	Codes  []string `json:"codes"`
	System string   `json:"system"`
}

// Create handles POST /api/v1/batch/jobs.
func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return h.submit(c, "", req.System, req.Codes)
}

// Upload handles POST /api/v1/batch/jobs/upload with a multipart "file".
func (h *Handler) Upload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "form field 'file' is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()

	codes, err := ParseUpload(fh.Filename, f)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.submit(c, fh.Filename, c.FormValue("system"), codes)
}

func (h *Handler) submit(c echo.Context, filename, system string, codes []string) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	job, err := h.proc.Submit(c.Request().Context(), userID, filename, system, codes)
	switch {
	case err == nil:
		return c.JSON(http.StatusAccepted, job)
	case errors.Is(err, ErrNoCodes), errors.Is(err, icd.ErrUnsupportedSystem):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrTooManyCodes):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ErrQueueFull):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// List handles GET /api/v1/batch/jobs for the current user.
func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	userID := auth.UserIDFromContext(c.Request().Context())
	jobs, total, err := h.repo.ListByUser(c.Request().Context(), userID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if jobs == nil {
		jobs = []*Job{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(jobs, total, pg))
}

// Get handles GET /api/v1/batch/jobs/:id. Jobs owned by another user are
// reported as missing.
func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	job, err := h.repo.GetByID(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "batch job not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if job.UserID != auth.UserIDFromContext(c.Request().Context()) {
		return echo.NewHTTPError(http.StatusNotFound, "batch job not found")
	}
	return c.JSON(http.StatusOK, job)
}
