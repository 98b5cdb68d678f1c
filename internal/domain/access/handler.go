package access

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dmp/dmp/internal/platform/apperr"
	"github.com/dmp/dmp/internal/platform/auth"
	"github.com/dmp/dmp/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	pro := e.Group("/medecin/dmp", auth.RequireRole(auth.RoleProfessional))
	pro.POST("/demande-acces", h.Create)
	pro.GET("/demandes", h.ListForProfessional)

	e.GET("/patient/dmp/droits-acces/demandes", h.ListForPatient, auth.RequireRole(auth.RolePatient))

	e.GET("/access/authorization/:id", h.Get)
	e.GET("/access/authorization/:id/historique", h.History)
	e.PATCH("/access/authorization/:id", h.Transition, auth.RequireRole(auth.RolePatient))
	e.DELETE("/access/patient/authorization/:id", h.Revoke, auth.RequireRole(auth.RolePatient))

	e.POST("/admin/access/sweep", h.Sweep, auth.RequireRole(auth.RoleAdmin))
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

func ok(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, envelope{Success: true, Data: data})
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("identifiant_invalide", "identifiant de demande invalide")
	}
	return id, nil
}

func (h *Handler) Create(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("requete_invalide", "corps de requête invalide")
	}
	r, err := h.svc.CreateRequest(c.Request().Context(), p, in)
	if err != nil {
		return err
	}
	return ok(c, http.StatusCreated, r)
}

func (h *Handler) Get(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.GetRequest(c.Request().Context(), id, p)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, r)
}

func (h *Handler) History(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.History(c.Request().Context(), id, p)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*HistoryEntry{}
	}
	return ok(c, http.StatusOK, map[string]interface{}{"historique": items})
}

// Transition handles PATCH /access/authorization/:id with body
// {statut, raison_demande}.
func (h *Handler) Transition(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in TransitionInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("statut_invalide", "statut inconnu ou corps de requête invalide")
	}
	if in.Statut == "" {
		return apperr.Validation("statut_requis", "statut est requis")
	}
	r, err := h.svc.Transition(c.Request().Context(), id, in.Statut, p, in.RaisonDemande)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, r)
}

func (h *Handler) Revoke(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.Revoke(c.Request().Context(), id, p)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, r)
}

func listFilter(c echo.Context) (ListFilter, error) {
	pg := pagination.FromContext(c)
	f := ListFilter{Limit: pg.Limit, Offset: pg.Offset}
	if raw := c.QueryParam("statut"); raw != "" {
		st, err := ParseStatut(raw)
		if err != nil {
			return f, apperr.Validationf("statut_invalide", "statut inconnu: %q", raw)
		}
		f.Statut = &st
	}
	return f, nil
}

func listResponse(c echo.Context, items []*AccessRequest, total int, f ListFilter) error {
	if items == nil {
		items = []*AccessRequest{}
	}
	pg := pagination.Params{Limit: f.Limit, Offset: f.Offset}
	return ok(c, http.StatusOK, map[string]interface{}{
		"demandes": items,
		"total":    total,
		"has_more": pg.HasNext(total),
	})
}

func (h *Handler) ListForPatient(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	f, err := listFilter(c)
	if err != nil {
		return err
	}
	patientID := p.ID
	if p.IsAdmin() {
		if patientID, err = uuid.Parse(c.QueryParam("patient_id")); err != nil {
			return apperr.Validation("patient_id_requis", "patient_id est requis")
		}
	}
	items, total, err := h.svc.ListForPatient(c.Request().Context(), patientID, p, f)
	if err != nil {
		return err
	}
	return listResponse(c, items, total, f)
}

func (h *Handler) ListForProfessional(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	f, err := listFilter(c)
	if err != nil {
		return err
	}
	proID := p.ID
	if p.IsAdmin() {
		if proID, err = uuid.Parse(c.QueryParam("professionnel_id")); err != nil {
			return apperr.Validation("professionnel_id_requis", "professionnel_id est requis")
		}
	}
	items, total, err := h.svc.ListForProfessional(c.Request().Context(), proID, p, f)
	if err != nil {
		return err
	}
	return listResponse(c, items, total, f)
}

func (h *Handler) Sweep(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	n, err := h.svc.SweepExpired(c.Request().Context(), p)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, map[string]int{"expirees": n})
}
