package queue

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/servicequeues/pkg/pagination"
)

type Handler struct {
	svc   *Service
	coord *ClearCoordinator
}

func NewHandler(svc *Service, coord *ClearCoordinator) *Handler {
	return &Handler{svc: svc, coord: coord}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/queues/:queue_id/entries", h.ListEntries)
	api.POST("/queues/:queue_id/clear-requests", h.RequestClear)

	api.GET("/clear-requests/:id", h.GetClearRequest)
	api.POST("/clear-requests/:id/confirm", h.ConfirmClear)
	api.POST("/clear-requests/:id/cancel", h.CancelClear)

	api.POST("/queue-entries/:id/end", h.EndEntry)
}

func (h *Handler) ListEntries(c echo.Context) error {
	queueID, err := uuid.Parse(c.Param("queue_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid queue_id")
	}
	p := pagination.FromContext(c)
	items, total, err := h.svc.ListActiveEntries(c.Request().Context(), queueID, p.Limit, p.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Entry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p))
}

type clearRequest struct {
	EntryIDs []uuid.UUID `json:"entry_ids"`
}

func (h *Handler) RequestClear(c echo.Context) error {
	queueID, err := uuid.Parse(c.Param("queue_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid queue_id")
	}
	var req clearRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	ctx := c.Request().Context()
	entries, err := h.svc.GetEntries(ctx, queueID, req.EntryIDs)
	if err != nil {
		return httpError(err)
	}
	d, err := h.coord.RequestClear(ctx, queueID, entries, nil)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) GetClearRequest(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	d, err := h.coord.Get(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ConfirmClear(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.coord.Confirm(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CancelClear(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.coord.Cancel(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) EndEntry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.svc.EndEntryByID(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrQueueNotFound), errors.Is(err, ErrEntryNotFound), errors.Is(err, ErrDialogNotFound),
		errors.Is(err, ErrVisitNotFound), errors.Is(err, ErrAppointmentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNothingToClear), errors.Is(err, ErrEntryNotInQueue):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrDialogNotOpen), errors.Is(err, ErrClearInProgress),
		errors.Is(err, ErrAlreadyQueued), errors.Is(err, ErrEntryNotActive), errors.Is(err, ErrVisitNotActive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidAdmission):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
