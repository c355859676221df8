/*
Copyright 2024 OpenLink Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httplib implements common utility functions for writing
// classic HTTP handlers
package httplib

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// HandlerFunc specifies an HTTP handler function that returns a JSON
// serializable result or an error
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns a new httprouter.Handle func from a handler func
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		roundtrip.ReplyJSON(w, http.StatusOK, out)
	}
}

// ReadJSON reads an HTTP JSON request body and unmarshals it into val
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, &val); err != nil {
		return trace.BadParameter("request: %v", err)
	}
	return nil
}

// ReplyError sets up the HTTP error response and writes it to writer w.
// Access denied maps to 400 on this API: callers receive the reason in the
// body and must not be able to distinguish a policy miss from a bad request
// by status alone.
func ReplyError(w http.ResponseWriter, err error) {
	roundtrip.ReplyJSON(w, ErrorToStatus(err), errorMessage(err))
}

// ErrorToStatus maps an error kind to the HTTP status the control API
// returns for it
func ErrorToStatus(err error) int {
	switch {
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsBadParameter(err), trace.IsAccessDenied(err):
		return http.StatusBadRequest
	case trace.IsAlreadyExists(err), trace.IsLimitExceeded(err), trace.IsCompareFailed(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) interface{} {
	return map[string]string{"message": trace.UserMessage(err)}
}

// SetNoCacheHeaders tells proxies and browsers not to cache the response
func SetNoCacheHeaders(h http.Header) {
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

// SetCORSHeaders allows cross origin requests from the configured origins.
// An empty allowlist permits any origin, matching the open posture of the
// rendezvous endpoints.
func SetCORSHeaders(w http.ResponseWriter, r *http.Request, allowed []string) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if len(allowed) == 0 {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		for _, a := range allowed {
			if a == origin || a == "*" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				break
			}
		}
	}
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Accept, Origin, Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "1728000")
}
