package auth

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dmp/dmp/internal/platform/apperr"
)

type contextKey string

const PrincipalKey contextKey = "principal"

// Claims mirrors the tokens issued by the patient-record front end. The
// subject id travels in one of id, patient_id or professionnel_id.
type Claims struct {
	jwt.RegisteredClaims
	UserID          string `json:"id,omitempty"`
	PatientID       string `json:"patient_id,omitempty"`
	ProfessionnelID string `json:"professionnel_id,omitempty"`
	Role            string `json:"role"`
	NumeroAdeli     string `json:"numero_adeli,omitempty"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
	// Skipper lets public routes through without a token.
	Skipper func(c echo.Context) bool
}

var (
	errMissingHeader = apperr.Authentication("jeton_absent", "missing authorization header")
	errBadHeader     = apperr.Authentication("jeton_invalide", "invalid authorization format")
	errBadToken      = apperr.Authentication("jeton_invalide", "invalid or expired token")
)

// Principal resolves the caller from validated claims.
func (c *Claims) Principal() (Principal, error) {
	role, err := ParseRole(c.Role)
	if err != nil {
		return Principal{}, apperr.Authentication("role_inconnu", err.Error())
	}

	raw := c.UserID
	if raw == "" {
		switch role {
		case RolePatient:
			raw = c.PatientID
		case RoleProfessional:
			raw = c.ProfessionnelID
		}
	}
	if raw == "" {
		raw = c.Subject
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return Principal{}, apperr.Authentication("jeton_invalide", "token carries no valid subject id")
	}

	return Principal{ID: id, Role: role, NumeroAdeli: c.NumeroAdeli}, nil
}

func parseToken(cfg JWTConfig, header string) (Principal, error) {
	if header == "" {
		return Principal{}, errMissingHeader
	}
	scheme, tokenStr, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenStr) == "" {
		return Principal{}, errBadHeader
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(tokenStr), claims, func(t *jwt.Token) (interface{}, error) {
		return cfg.SigningKey, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Principal{}, errBadToken
	}

	return claims.Principal()
}

func setPrincipal(c echo.Context, p Principal) {
	c.Set(string(PrincipalKey), p)
	ctx := WithPrincipal(c.Request().Context(), p)
	c.SetRequest(c.Request().WithContext(ctx))
}

// JWTMiddleware requires a valid HS256 bearer token on every request the
// skipper does not exempt.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			p, err := parseToken(cfg, c.Request().Header.Get("Authorization"))
			if err != nil {
				return err
			}
			setPrincipal(c, p)
			return next(c)
		}
	}
}

// DevAuthMiddleware validates tokens like JWTMiddleware when one is sent.
// Without a token the caller is taken from X-Debug-User-ID and
// X-Debug-Role, defaulting to an admin with the nil id.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			header := c.Request().Header.Get("Authorization")
			if header != "" {
				p, err := parseToken(cfg, header)
				if err != nil {
					return err
				}
				setPrincipal(c, p)
				return next(c)
			}

			p := Principal{Role: RoleAdmin}
			if raw := c.Request().Header.Get("X-Debug-Role"); raw != "" {
				role, err := ParseRole(raw)
				if err != nil {
					return apperr.Authentication("role_inconnu", err.Error())
				}
				p.Role = role
			}
			if raw := c.Request().Header.Get("X-Debug-User-ID"); raw != "" {
				id, err := uuid.Parse(raw)
				if err != nil {
					return apperr.Authentication("jeton_invalide", "X-Debug-User-ID must be a uuid")
				}
				p.ID = id
			}
			p.NumeroAdeli = c.Request().Header.Get("X-Debug-Numero-Adeli")
			setPrincipal(c, p)
			return next(c)
		}
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(Principal)
	return p, ok
}

// MustPrincipal is used by handlers mounted behind the auth middleware.
func MustPrincipal(c echo.Context) (Principal, error) {
	p, ok := PrincipalFromContext(c.Request().Context())
	if !ok {
		return Principal{}, errMissingHeader
	}
	return p, nil
}

func UserIDFromContext(ctx context.Context) string {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.ID == uuid.Nil {
		return ""
	}
	return p.ID.String()
}

func RoleFromContext(ctx context.Context) Role {
	p, _ := PrincipalFromContext(ctx)
	return p.Role
}
