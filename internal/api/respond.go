// Copyright 2025 James Ross

// Package api is the HTTP surface of the orchestrator: it wires
// internal/identity, internal/rbac, internal/quota, internal/policy,
// internal/queuebackend, internal/scheduler, internal/upload,
// internal/voicestore, internal/library and internal/events behind a
// gorilla/mux router, in place of the teacher's hand-routed
// internal/admin-api (spec §4, §7).
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to the spec §7 status/kind taxonomy. Unknown error
// types are treated as INTERNAL rather than leaking their Go error text.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	body := map[string]any{
		"error": kind,
	}
	var ae *apperr.Error
	if asAppErr(err, &ae) {
		body["detail"] = ae.Detail
		if ae.Reason != "" {
			body["reason"] = ae.Reason
		}
		if ae.Mode != "" {
			body["effective_mode"] = ae.Mode
		}
		if ae.RetryAfter > 0 {
			body["retry_after_s"] = ae.RetryAfter
			w.Header().Set("Retry-After", strconv.Itoa(int(ae.RetryAfter)))
		}
	} else {
		body["detail"] = "internal error"
	}
	writeJSON(w, status, body)
}

func asAppErr(err error, target **apperr.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if ae, ok := err.(*apperr.Error); ok {
			*target = ae
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
