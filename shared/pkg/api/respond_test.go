package api_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/psantana5/backendpool/pkg/api"
	"github.com/psantana5/backendpool/pkg/faults"
)

// TestErrorRoundTrip checks that fault codes survive the HTTP boundary.
func TestErrorRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   faults.Code
	}{
		{"timeout", faults.New(faults.CallTimeout, "call", "deadline"), http.StatusGatewayTimeout, faults.CallTimeout},
		{"tainted", faults.New(faults.SessionInvalidState, "call", "tainted"), http.StatusConflict, faults.SessionInvalidState},
		{"open", faults.New(faults.BackendOpenFailure, "open", "bad login"), http.StatusBadGateway, faults.BackendOpenFailure},
		{"protocol", faults.New(faults.TransactionProtocolFault, "end", "xid"), http.StatusBadRequest, faults.TransactionProtocolFault},
		{"plain", errors.New("something else"), http.StatusInternalServerError, faults.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			api.WriteError(w, tt.err)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}

			err := api.DecodeError("proxy.call", w.Result())
			if !faults.HasCode(err, tt.wantCode) {
				t.Errorf("decoded code = %q, want %q (%v)", faults.CodeOf(err), tt.wantCode, err)
			}
		})
	}
}

func TestDecodeErrorWithForeignBody(t *testing.T) {
	w := httptest.NewRecorder()
	w.WriteHeader(http.StatusBadGateway)
	w.WriteString("<html>proxy error</html>")

	err := api.DecodeError("proxy.call", w.Result())
	if !errors.Is(err, faults.ErrTransportFault) {
		t.Errorf("expected TransportFault, got %v", err)
	}
}

func TestDecodeJSON(t *testing.T) {
	var req api.ExecRequest
	if err := api.DecodeJSON(strings.NewReader(`{"op":"ping","args":["a"]}`), &req); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if req.Op != "ping" || len(req.Args) != 1 {
		t.Errorf("unexpected request %+v", req)
	}
	if err := api.DecodeJSON(strings.NewReader(`{"op":`), &req); err == nil {
		t.Error("expected error for truncated body")
	}
}
