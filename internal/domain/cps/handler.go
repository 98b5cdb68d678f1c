package cps

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dmp/dmp/internal/platform/apperr"
	"github.com/dmp/dmp/internal/platform/auth"
)

type Handler struct {
	gate *Gate
}

func NewHandler(gate *Gate) *Handler {
	return &Handler{gate: gate}
}

// RegisterRoutes mounts the CPS endpoint. attempts limits verification
// attempts; testRoutes adds the unauthenticated variant used by local probes.
func (h *Handler) RegisterRoutes(e *echo.Echo, attempts echo.MiddlewareFunc, testRoutes bool) {
	e.POST("/medecin/dmp/authentification-cps", h.Authenticate,
		auth.RequireRole(auth.RoleProfessional), attempts)
	if testRoutes {
		e.POST("/test/medecin/dmp/authentification-cps", h.AuthenticateTest, attempts)
	}
}

type response struct {
	Success bool         `json:"success"`
	Data    Verification `json:"data"`
}

// Authenticate verifies the code of the professional carried by the bearer
// token.
func (h *Handler) Authenticate(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	var in VerifyInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("requete_invalide", "corps de requête invalide")
	}
	in.ProfessionnelID = p.ID
	if in.NumeroAdeli == "" {
		in.NumeroAdeli = p.NumeroAdeli
	}

	v, err := h.gate.Verify(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, response{Success: true, Data: v})
}

// AuthenticateTest takes the professional id from the body.
func (h *Handler) AuthenticateTest(c echo.Context) error {
	var in VerifyInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("requete_invalide", "corps de requête invalide")
	}
	if in.ProfessionnelID == uuid.Nil {
		return apperr.Validation("professionnel_id_requis", "professionnel_id est requis")
	}
	v, err := h.gate.Verify(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, response{Success: true, Data: v})
}
