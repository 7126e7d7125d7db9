package botapi

import (
	"github.com/labstack/echo/v4"
)

// apiResponse is the uniform JSON envelope for every endpoint.
type apiResponse struct {
	Ok    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(200, apiResponse{Ok: true, Data: data})
}

func fail(c echo.Context, status int, code, message string, detail interface{}) error {
	return c.JSON(status, apiResponse{
		Ok:    false,
		Error: &apiError{Code: code, Message: message, Detail: detail},
	})
}
