package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	gateway "github.com/relaygate/gateway/internal"
)

// apiError mirrors the OpenAI-style error envelope clients expect back from
// every failure path, regardless of which upstream protocol served the
// underlying request.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

// writeAppError renders an *gateway.AppError at its mapped HTTP status. Any
// other error is treated as internal via gateway.AsAppError.
func writeAppError(w http.ResponseWriter, ctx context.Context, err error) {
	ae := gateway.AsAppError(err)
	slog.LogAttrs(ctx, slog.LevelError, "request error",
		slog.Int("status", ae.Status()),
		slog.String("error", ae.Error()),
	)
	writeJSON(w, ae.Status(), errorResponse(ae.Message))
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}
