package notification

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dmp/dmp/internal/platform/apperr"
	"github.com/dmp/dmp/internal/platform/auth"
	"github.com/dmp/dmp/internal/platform/websocket"
	"github.com/dmp/dmp/pkg/pagination"
)

type Handler struct {
	d    *Dispatcher
	push *websocket.Handler
}

// NewHandler serves the notification routes. hub may be nil, in which case
// the live feed route is not registered.
func NewHandler(d *Dispatcher, hub *websocket.Hub, allowedOrigins []string) *Handler {
	h := &Handler{d: d}
	if hub != nil {
		h.push = websocket.NewHandler(hub, patientTopic, allowedOrigins)
	}
	return h
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/patient/dmp/droits-acces/notifications", h.List, auth.RequireRole(auth.RolePatient))
	if h.push != nil {
		e.GET("/patient/dmp/droits-acces/notifications/live", h.push.Connect, auth.RequireRole(auth.RolePatient))
	}
	e.POST("/admin/notifications/:id/retry", h.Retry, auth.RequireRole(auth.RoleAdmin))
}

// patientTopic binds the live feed to the caller. Patients may only follow
// their own notifications.
func patientTopic(c echo.Context) (string, error) {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return "", err
	}
	if !p.IsPatient() {
		return "", ErrForbidden
	}
	return PatientTopic(p.ID), nil
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

type listPayload struct {
	Notifications []*Notification `json:"notifications"`
	Total         int             `json:"total"`
	HasMore       bool            `json:"has_more"`
}

func (h *Handler) List(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	patientID := p.ID
	if p.IsAdmin() {
		if patientID, err = uuid.Parse(c.QueryParam("patient_id")); err != nil {
			return apperr.Validation("patient_id_requis", "patient_id est requis")
		}
	}
	page := pagination.FromContext(c)
	f := Filter{Type: c.QueryParam("type_notification"), Limit: page.Limit, Offset: page.Offset}

	items, total, err := h.d.ListNotifications(c.Request().Context(), patientID, p, f)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Notification{}
	}
	return c.JSON(http.StatusOK, envelope{Success: true, Data: listPayload{
		Notifications: items,
		Total:         total,
		HasMore:       page.HasNext(total),
	}})
}

func (h *Handler) Retry(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("identifiant_invalide", "identifiant de notification invalide")
	}
	n, err := h.d.RetryNotification(c.Request().Context(), id, p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, envelope{Success: true, Data: n})
}
