package icd

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/icdmap/icdmap/pkg/pagination"
)

// Handler exposes the pipeline over REST.
type Handler struct {
	svc *Service
}

// NewHandler creates a new code handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers code lookup, conversion and comorbidity routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	codes := api.Group("/codes")
	codes.GET("/resolve", h.Resolve)
	codes.GET("/family", h.Family)
	codes.GET("/convert", h.Convert)
	codes.GET("/annotate", h.Annotate)

	com := api.Group("/comorbidities")
	com.GET("", h.Comorbidities)
	com.POST("", h.PostComorbidities)
	com.GET("/charlson", h.Charlson)
	com.GET("/charlson/conditions", h.CharlsonConditions)
	com.GET("/elixhauser", h.Elixhauser)
	com.GET("/hcc", h.HCC)

	api.POST("/batch", h.Batch)
}

// statusCode maps a result status onto an HTTP status.
func statusCode(s Status) int {
	switch s {
	case StatusInvalidCodeFormat:
		return http.StatusBadRequest
	case StatusNotFound, StatusNoConversionFound:
		return http.StatusNotFound
	}
	return http.StatusOK
}

func serviceError(err error) error {
	if errors.Is(err, ErrUnsupportedSystem) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// Resolve handles GET /api/v1/codes/resolve?code=...&type=...
func (h *Handler) Resolve(c echo.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter 'code' is required")
	}
	limit := pagination.WithDefault(c, DisplayFamilyLimit).Limit
	res, err := h.svc.Resolve(c.Request().Context(), code, c.QueryParam("type"), limit)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(statusCode(res.Status), res)
}

// Family handles GET /api/v1/codes/family?prefix=...&system=...
func (h *Handler) Family(c echo.Context) error {
	prefix := c.QueryParam("prefix")
	if prefix == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter 'prefix' is required")
	}
	limit := pagination.WithDefault(c, DisplayFamilyLimit).Limit
	res, err := h.svc.ResolveFamily(c.Request().Context(), prefix, c.QueryParam("system"), limit)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(statusCode(res.Status), res)
}

// Convert handles GET /api/v1/codes/convert?code=...&from=...&to=...
func (h *Handler) Convert(c echo.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter 'code' is required")
	}
	res, err := h.svc.Convert(c.Request().Context(), code, c.QueryParam("from"), c.QueryParam("to"))
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(statusCode(res.Status), res)
}

// Annotate handles GET /api/v1/codes/annotate?code=...&type=...
func (h *Handler) Annotate(c echo.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter 'code' is required")
	}
	res, err := h.svc.Annotate(c.Request().Context(), code, c.QueryParam("type"))
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(statusCode(res.Resolution.Status), res)
}

// Comorbidities handles GET /api/v1/comorbidities?code=A&code=B&system=...
// A single code parameter may also carry a comma separated list.
func (h *Handler) Comorbidities(c echo.Context) error {
	system := c.QueryParam("system")
	var inputs []CodeInput
	for _, v := range c.QueryParams()["code"] {
		for _, code := range strings.Split(v, ",") {
			if code = strings.TrimSpace(code); code != "" {
				inputs = append(inputs, CodeInput{Code: code, System: system})
			}
		}
	}
	if len(inputs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter 'code' is required")
	}
	res, err := h.svc.Aggregate(c.Request().Context(), inputs)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type comorbidityRequest struct {
	Codes []CodeInput `json:"codes"`
}

// PostComorbidities handles POST /api/v1/comorbidities with a body of
// {"codes":[{"code":"E1010","system":"icd10"}]}.
func (h *Handler) PostComorbidities(c echo.Context) error {
	var req comorbidityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.Aggregate(c.Request().Context(), req.Codes)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// Charlson handles GET /api/v1/comorbidities/charlson?code=...&system=...
func (h *Handler) Charlson(c echo.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter 'code' is required")
	}
	res, err := h.svc.CharlsonDetail(c.Request().Context(), code, c.QueryParam("system"))
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(statusCode(res.Status), res)
}

// CharlsonConditions handles GET /api/v1/comorbidities/charlson/conditions
func (h *Handler) CharlsonConditions(c echo.Context) error {
	res, err := h.svc.CharlsonConditions(c.Request().Context())
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// Elixhauser handles GET /api/v1/comorbidities/elixhauser?code=...&system=...
func (h *Handler) Elixhauser(c echo.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter 'code' is required")
	}
	res, err := h.svc.ElixhauserDetail(c.Request().Context(), code, c.QueryParam("system"))
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(statusCode(res.Status), res)
}

// HCC handles GET /api/v1/comorbidities/hcc?code=...
// A code without a category is not an error; hcc is null in the body.
func (h *Handler) HCC(c echo.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter 'code' is required")
	}
	res, err := h.svc.HCCDetail(c.Request().Context(), code)
	if err != nil {
		return serviceError(err)
	}
	if res.Status == StatusInvalidCodeFormat {
		return c.JSON(http.StatusBadRequest, res)
	}
	return c.JSON(http.StatusOK, res)
}

type batchRequest struct {
	Codes  []string `json:"codes"`
	System string   `json:"system"`
}

// MaxSyncBatchCodes caps POST /batch; larger inputs belong in a batch job.
const MaxSyncBatchCodes = 500

// Batch handles POST /api/v1/batch.
func (h *Handler) Batch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Codes) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "codes array is required")
	}
	if len(req.Codes) > MaxSyncBatchCodes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "too many codes; submit a batch job instead")
	}
	res, err := h.svc.ProcessBatch(c.Request().Context(), req.Codes, req.System)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, res)
}
