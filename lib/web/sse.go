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

package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/Raywonder/openlink-sub002/lib/httplib"
)

// clientsMonitor streams connection snapshots as server-sent events. One
// snapshot is written immediately, then one per interval until the client
// goes away.
func (h *Handler) clientsMonitor(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming is not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	httplib.SetNoCacheHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	if err := h.writeMonitorEvent(w); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := h.writeMonitorEvent(w); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) writeMonitorEvent(w http.ResponseWriter) error {
	snapshot := map[string]interface{}{
		"connections":  h.cfg.Dispatcher.Snapshots(),
		"peerCount":    h.cfg.Dispatcher.Count(),
		"sessionCount": h.cfg.Registry.Len(),
		"timestamp":    h.clock.Now().UnixMilli(),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
