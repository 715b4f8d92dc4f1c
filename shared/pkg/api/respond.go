package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/psantana5/backendpool/pkg/faults"
)

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError maps err onto its fault code and HTTP status.
func WriteError(w http.ResponseWriter, err error) {
	code := faults.CodeOf(err)
	if code == "" {
		code = faults.Internal
	}
	WriteJSON(w, faults.HTTPStatus(code), ErrorResponse{Code: string(code), Message: err.Error()})
}

// DecodeError rebuilds a fault from a non-2xx reply. Bodies that are not an
// ErrorResponse become TransportFault.
func DecodeError(op string, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return faults.Wrap(faults.TransportFault, op, err, "read error body")
	}
	var e ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.Code == "" {
		return faults.Newf(faults.TransportFault, op, "unexpected status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return faults.New(faults.Code(e.Code), op, e.Message)
}

// DecodeJSON reads a request or response body into v.
func DecodeJSON(r io.Reader, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r, 4<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
