package routing

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/routing-sessions")
	g.POST("", h.OpenSession)
	g.GET("/:id", h.GetSession)
	g.DELETE("/:id", h.CloseSession)
	g.PUT("/:id/patient", h.SelectPatient)
	g.POST("/:id/search-type", h.SwitchSearchType)
	g.POST("/:id/back", h.Back)
	g.POST("/:id/refresh", h.Refresh)

	g.POST("/:id/visits", h.StartVisit)
	g.POST("/:id/check-in", h.CheckInAppointment)
	g.POST("/:id/queue-existing-visit", h.QueueExistingVisit)
}

func (h *Handler) OpenSession(c echo.Context) error {
	var params Params
	if err := c.Bind(&params); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.mgr.Open(params)
	if err != nil {
		return httpError(err)
	}
	return h.respond(c, http.StatusCreated, s, s.View())
}

func (h *Handler) GetSession(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	return h.respond(c, http.StatusOK, s, s.View())
}

func (h *Handler) CloseSession(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.mgr.Close(id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type selectPatientRequest struct {
	PatientID uuid.UUID `json:"patient_id"`
}

func (h *Handler) SelectPatient(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	var req selectPatientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	view, err := s.SelectPatient(req.PatientID)
	if err != nil {
		return httpError(err)
	}
	return h.respond(c, http.StatusOK, s, view)
}

type switchSearchTypeRequest struct {
	SearchType string `json:"search_type"`
}

func (h *Handler) SwitchSearchType(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	var req switchSearchTypeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := ParseSearchType(req.SearchType)
	if err != nil {
		return httpError(err)
	}
	view, err := s.SwitchSearchType(t)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) Back(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	view, err := s.Back()
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) Refresh(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	view, err := s.Refresh()
	if err != nil {
		return httpError(err)
	}
	return h.respond(c, http.StatusOK, s, view)
}

func (h *Handler) StartVisit(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	var in StartVisitInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	adm, err := s.StartVisit(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, adm)
}

func (h *Handler) CheckInAppointment(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	var in CheckInInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if in.AppointmentID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "appointment_id is required")
	}
	adm, err := s.CheckInAppointment(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, adm)
}

func (h *Handler) QueueExistingVisit(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	var in QueueVisitInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	adm, err := s.QueueExistingVisit(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, adm)
}

func (h *Handler) session(c echo.Context) (*Session, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	s, err := h.mgr.Get(id)
	if err != nil {
		return nil, httpError(err)
	}
	return s, nil
}

// respond honours ?wait=true by blocking until outstanding fetches settle,
// then returns the fresh view instead of view.
func (h *Handler) respond(c echo.Context, status int, s *Session, view View) error {
	wait, _ := strconv.ParseBool(c.QueryParam("wait"))
	if !wait {
		return c.JSON(status, view)
	}
	if err := s.AwaitSettled(c.Request().Context()); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			return echo.NewHTTPError(http.StatusGatewayTimeout, "session did not settle before the deadline")
		}
		return httpError(err)
	}
	return c.JSON(status, s.View())
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrAppointmentNotFound), errors.Is(err, ErrAdmissionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSessionClosed):
		return echo.NewHTTPError(http.StatusGone, err.Error())
	case errors.Is(err, ErrActionNotAvailable), errors.Is(err, ErrQueueRequired):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrAdmissionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
