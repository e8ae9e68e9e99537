package prediction

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mediguard/mediguard/internal/domain/chain"
	"github.com/mediguard/mediguard/internal/platform/auth"
	"github.com/mediguard/mediguard/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/predictions", h.RecordPrediction)
	api.GET("/predictions", h.ListPredictions)
	api.GET("/predictions/:id", h.GetPrediction)
	api.GET("/dashboard/stats", h.GetDashboardStats)
}

type recordRequest struct {
	Timestamp        *time.Time             `json:"timestamp"`
	Source           string                 `json:"source"`
	InputFeatures    map[string]interface{} `json:"input_features"`
	PredictionResult map[string]interface{} `json:"prediction_result"`
}

type recordResponse struct {
	Prediction *Prediction  `json:"prediction"`
	ChainEntry *chain.Entry `json:"chain_entry"`
}

func (h *Handler) RecordPrediction(c echo.Context) error {
	var req recordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	p, entry, err := h.svc.Record(c.Request().Context(), RecordInput{
		UserID:           auth.UserIDFromContext(c.Request().Context()),
		Timestamp:        req.Timestamp,
		Source:           req.Source,
		InputFeatures:    req.InputFeatures,
		PredictionResult: req.PredictionResult,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidInput):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, chain.ErrAlreadyChained):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, chain.ErrConcurrencyConflict):
			return echo.NewHTTPError(http.StatusConflict, "chain busy, retry the request")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusCreated, recordResponse{Prediction: p, ChainEntry: entry})
}

func (h *Handler) ListPredictions(c echo.Context) error {
	pg := pagination.FromContext(c)
	userID := auth.UserIDFromContext(c.Request().Context())

	// Admins may list on another user's behalf.
	if other := c.QueryParam("user_id"); other != "" && other != userID {
		if !auth.IsAdmin(c.Request().Context()) {
			return echo.NewHTTPError(http.StatusForbidden, "cannot list another user's predictions")
		}
		userID = other
	}

	items, total, err := h.svc.ListByUser(c.Request().Context(), userID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetPrediction(c echo.Context) error {
	ctx := c.Request().Context()
	p, err := h.svc.Get(ctx, c.Param("id"), auth.UserIDFromContext(ctx), auth.IsAdmin(ctx))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "prediction not found")
		case errors.Is(err, ErrForbidden):
			return echo.NewHTTPError(http.StatusForbidden, "prediction belongs to another user")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetDashboardStats(c echo.Context) error {
	stats, err := h.svc.DashboardStats(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}
