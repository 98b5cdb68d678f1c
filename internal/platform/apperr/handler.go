package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

// HTTPErrorHandler renders every error returned by a handler or middleware.
// Errors of kind Internal, and anything that is neither an *Error nor an
// *echo.HTTPError, are logged with the request id and answered with a
// generic 500 body.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := render(err)
		if status >= http.StatusInternalServerError {
			reqID, _ := c.Get("request_id").(string)
			logger.Error().
				Err(err).
				Str("request_id", reqID).
				Str("method", c.Request().Method).
				Str("path", c.Path()).
				Msg("request failed")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, errorResponse{Success: false, Error: body})
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to write error response")
		}
	}
}

func render(err error) (int, errorBody) {
	var appErr *Error
	if errors.As(err, &appErr) {
		status := appErr.Kind.HTTPStatus()
		if status >= http.StatusInternalServerError {
			return status, errorBody{Code: "erreur_interne", Message: "internal server error"}
		}
		return status, errorBody{Code: appErr.Code, Message: appErr.Message}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		if he.Code >= http.StatusInternalServerError {
			return he.Code, errorBody{Code: "erreur_interne", Message: "internal server error"}
		}
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok && m != "" {
			msg = m
		} else if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
		return he.Code, errorBody{Code: codeForStatus(he.Code), Message: msg}
	}

	return http.StatusInternalServerError, errorBody{Code: "erreur_interne", Message: "internal server error"}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "requete_invalide"
	case http.StatusUnauthorized:
		return "non_authentifie"
	case http.StatusForbidden:
		return "acces_interdit"
	case http.StatusNotFound:
		return "introuvable"
	case http.StatusMethodNotAllowed:
		return "methode_non_autorisee"
	case http.StatusRequestEntityTooLarge:
		return "requete_trop_volumineuse"
	case http.StatusTooManyRequests:
		return "trop_de_requetes"
	default:
		return "erreur"
	}
}
