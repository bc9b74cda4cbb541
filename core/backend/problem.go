package backend

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/datastelsel/datapi/core/logger"
	"github.com/datastelsel/datapi/core/query"
	"github.com/datastelsel/datapi/core/rowstore"
)

// Problem is an application/problem+json error body
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

var problemTitles = map[int]string{
	http.StatusBadRequest:          "Invalid request parameters",
	http.StatusUnauthorized:        "Authentication required",
	http.StatusForbidden:           "Access denied",
	http.StatusNotFound:            "Resource not found",
	http.StatusInternalServerError: "Internal server error",
	http.StatusNotImplemented:      "Not implemented",
}

var problemSlugs = map[int]string{
	http.StatusBadRequest:          "invalid-params",
	http.StatusUnauthorized:        "unauthorized",
	http.StatusForbidden:           "forbidden",
	http.StatusNotFound:            "not-found",
	http.StatusInternalServerError: "internal",
	http.StatusNotImplemented:      "not-implemented",
}

// writeProblem writes a problem-details error response
func writeProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	p := Problem{
		Type:     "urn:datapi:" + problemSlugs[status],
		Title:    problemTitles[status],
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
	data, _ := json.MarshalWithOption(p, json.DisableHTMLEscape())
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError maps an error from the query or storage layer to a problem
// response. Validation errors carry their message to the caller, anything
// unexpected becomes a numbered internal error with the detail only in the
// log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, query.ErrValidation):
		writeProblem(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, rowstore.ErrNotFound):
		writeProblem(w, r, http.StatusNotFound, "")
	case errors.Is(err, rowstore.ErrUnsupported):
		writeProblem(w, r, http.StatusNotImplemented, err.Error())
	default:
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 1421: request failed")
		writeProblem(w, r, http.StatusInternalServerError, "Error 1421")
	}
}
