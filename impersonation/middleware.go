package impersonation

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/chapterhq/chapterd/auth"
	"github.com/chapterhq/chapterd/types"
	"github.com/rs/zerolog/log"
)

// maxAuditBodyBytes bounds how much of a request body is read for the
// payload summary. The summary itself is further bounded and redacted by
// types.SummarizePayload.
const maxAuditBodyBytes = 64 << 10

var methodActions = map[string]types.ActionType{
	http.MethodPost:   types.ActionCreate,
	http.MethodPut:    types.ActionUpdate,
	http.MethodPatch:  types.ActionUpdate,
	http.MethodDelete: types.ActionDelete,
}

type auditResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *auditResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// AuditMiddleware attributes every successful mutating request made under an
// active impersonation session to that session's action log. Wrap it around
// the business API routes (events, finance, stakeholders, ...) so the
// guarantee holds without each handler calling the recorder itself.
//
// pathPrefix is stripped before deriving the resource: with prefix "/api/",
// a DELETE on /api/events/evt-42 records (delete, events, evt-42).
func AuditMiddleware(recorder *Recorder, pathPrefix string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session := auth.GetImpersonationFromContext(r.Context())
			action, mutating := methodActions[r.Method]
			if session == nil || !mutating {
				next.ServeHTTP(w, r)
				return
			}

			payload := capturePayload(r)

			wrapped := &auditResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			if wrapped.statusCode < 200 || wrapped.statusCode >= 300 {
				return
			}

			table, recordID := resourceFromPath(r.URL.Path, pathPrefix)
			if table == "" {
				return
			}

			if _, err := recorder.Record(r.Context(), session.ID, action, table, recordID, payload); err != nil {
				// The mutation already committed; an unaudited action is an
				// incident, not a debug detail.
				log.Error().Err(err).
					Str("session_id", session.ID.String()).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("Failed to record impersonated action")
			}
		})
	}
}

// capturePayload reads a bounded copy of a JSON request body and restores
// the body for the downstream handler.
func capturePayload(r *http.Request) map[string]any {
	if r.Body == nil {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAuditBodyBytes))
	if err != nil {
		return nil
	}
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	return payload
}

// resourceFromPath derives (table, record id) from a REST-style path.
// A create without an id in the path records "-" as the record id.
func resourceFromPath(path, prefix string) (string, string) {
	trimmed := strings.TrimPrefix(path, prefix)
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return "", ""
	}
	parts := strings.Split(trimmed, "/")
	table := parts[0]
	recordID := "-"
	if len(parts) > 1 && parts[1] != "" {
		recordID = parts[1]
	}
	return table, recordID
}
