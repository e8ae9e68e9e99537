package chain

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mediguard/mediguard/internal/platform/anchor"
	"github.com/mediguard/mediguard/internal/platform/auth"
	"github.com/mediguard/mediguard/pkg/pagination"
)

type Handler struct {
	svc       *Service
	committer *anchor.Committer
	anchors   anchor.Service
}

func NewHandler(svc *Service, committer *anchor.Committer, anchors anchor.Service) *Handler {
	return &Handler{svc: svc, committer: committer, anchors: anchors}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/chain/entries", h.ListEntries)
	api.GET("/chain/verify", h.VerifyChain)
	api.GET("/chain/status", h.GetStatus)
	api.POST("/chain/anchor", h.TriggerAnchor, auth.RequireAdmin())
	api.GET("/chain/anchor/:reference", h.GetAnchor)
}

func (h *Handler) ListEntries(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListEntries(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// VerifyChain runs a full integrity walk. Discrepancies are data, not
// transport failures: the response is 200 with valid=false and the itemized
// errors.
func (h *Handler) VerifyChain(c echo.Context) error {
	report, err := h.svc.Verify(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

type statusResponse struct {
	Ledger           *Status               `json:"ledger"`
	Anchor           *anchor.ServiceStatus `json:"anchor"`
	CommitterRunning bool                  `json:"committer_running"`
}

func (h *Handler) GetStatus(c echo.Context) error {
	ledger, err := h.svc.Status(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	anchorStatus, err := h.anchors.Status(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, statusResponse{
		Ledger:           ledger,
		Anchor:           anchorStatus,
		CommitterRunning: h.committer.Running(),
	})
}

// TriggerAnchor runs one commit cycle immediately instead of waiting for the
// scheduler. Admin only.
func (h *Handler) TriggerAnchor(c echo.Context) error {
	result, err := h.committer.RunCycle(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

type anchorLookupResponse struct {
	*anchor.Verification
	Entries int64 `json:"entries"`
}

// GetAnchor looks a commitment up on the anchor service and reports how many
// ledger entries it covers.
func (h *Handler) GetAnchor(c echo.Context) error {
	reference := c.Param("reference")

	verification, err := h.anchors.Verify(c.Request().Context(), reference)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	if !verification.Found {
		return echo.NewHTTPError(http.StatusNotFound, "anchor commitment not found")
	}

	entries, err := h.svc.CountByAnchorReference(c.Request().Context(), reference)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, anchorLookupResponse{Verification: verification, Entries: entries})
}
