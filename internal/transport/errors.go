package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	syncerrors "github.com/alexjbarnes/vault-mirror/internal/errors"
)

const maxErrorBody = 512

// APIError is a non-2xx response. It unwraps to ErrAPIResponse plus the
// sentinel matching its status, so callers can use errors.Is either way.
type APIError struct {
	Status int
	Method string
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: http %d", e.Method, e.Path, e.Status)
	}

	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (e *APIError) Unwrap() []error {
	errs := []error{syncerrors.ErrAPIResponse}

	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		errs = append(errs, syncerrors.ErrUnauthorized)
	case http.StatusNotFound:
		errs = append(errs, syncerrors.ErrNotFound)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		errs = append(errs, syncerrors.ErrProtocol)
	}

	return errs
}

// StatusOf extracts the HTTP status from an error chain, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}

	return 0
}

func mapStatus(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		return nil
	}

	body := strings.TrimSpace(string(resp.Body()))
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}

	if body == "" {
		body = http.StatusText(code)
	}

	apiErr := &APIError{Status: code, Body: body}

	if resp.Request != nil {
		apiErr.Method = resp.Request.Method

		if resp.Request.RawRequest != nil {
			apiErr.Path = resp.Request.RawRequest.URL.Path
		} else {
			apiErr.Path = resp.Request.URL
		}
	}

	return apiErr
}
