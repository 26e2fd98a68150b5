/*
Copyright 2026 jr42.

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

package poolservice

import (
	"encoding/json"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nvoss/v6pool/pkg/wire"
)

// routeEntry is one entry in the explicit routing table: method, path and
// handler bound once at construction, replacing the decorator-style route
// declarations of a server-embedded framework.
type routeEntry struct {
	method  string
	path    string
	handler http.HandlerFunc
}

// Handler builds the RPC surface's http.Handler from an explicit, ordered
// routing table.
func (s *PoolService) Handler() http.Handler {
	routes := []routeEntry{
		{http.MethodGet, "/stats", s.handleStats},
		{http.MethodGet, "/spawn", s.handleSpawn},
		{http.MethodGet, "/spawns", s.handleSpawns},
		{http.MethodPost, "/check", s.handleCheck},
		{http.MethodPost, "/checks", s.handleChecks},
		{http.MethodGet, "/pick", s.handlePick},
		{http.MethodGet, "/picks", s.handlePicks},
		{http.MethodPost, "/report", s.handleReport},
		{http.MethodPost, "/reports", s.handleReports},
		{http.MethodPost, "/save", s.handleSave},
		{http.MethodPost, "/flush", s.handleFlush},
	}

	mux := http.NewServeMux()
	for _, r := range routes {
		r := r
		mux.HandleFunc(r.path, func(w http.ResponseWriter, req *http.Request) {
			if req.Method != r.method {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			r.handler(w, req)
		})
	}
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(wire.ErrorResponse{Error: msg})
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, wire.StatusFor(err), wire.NameFor(err))
}

func (s *PoolService) handleStats(w http.ResponseWriter, r *http.Request) {
	dbname := r.URL.Query().Get("dbname")
	if dbname == "" {
		writeJSON(w, http.StatusOK, wire.StatsResponse{Global: ptrGlobalStats(s.GlobalStats())})
		return
	}

	st, err := s.MirrorStats(dbname)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.StatsResponse{Total: st.Total, Idle: st.Idle, Using: st.Using, Bad: st.Bad})
}

func ptrGlobalStats(g wire.GlobalStats) *wire.GlobalStats { return &g }

func (s *PoolService) handleSpawn(w http.ResponseWriter, r *http.Request) {
	addr, err := s.Spawn(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.SpawnResponse{Addr: addr.String()})
}

func (s *PoolService) handleSpawns(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.URL.Query().Get("num"))
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "Malformed")
		return
	}

	addrs, complete, err := s.Spawns(r.Context(), n)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.SpawnsResponse{Addrs: addrStrings(addrs), Complete: complete})
}

func (s *PoolService) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req wire.CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed")
		return
	}
	addr, err := netip.ParseAddr(req.Addr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Malformed")
		return
	}
	writeJSON(w, http.StatusOK, wire.CheckResponse{Usable: s.Check(r.Context(), addr)})
}

func (s *PoolService) handleChecks(w http.ResponseWriter, r *http.Request) {
	var req wire.ChecksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed")
		return
	}

	addrs := make([]netip.Addr, 0, len(req.Addrs))
	for _, addrStr := range req.Addrs {
		a, err := netip.ParseAddr(addrStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Malformed")
			return
		}
		addrs = append(addrs, a)
	}

	writeJSON(w, http.StatusOK, wire.ChecksResponse{Usables: s.Checks(r.Context(), addrs)})
}

func (s *PoolService) handlePick(w http.ResponseWriter, r *http.Request) {
	dbname := r.URL.Query().Get("dbname")
	if dbname == "" {
		writeError(w, http.StatusBadRequest, "Malformed")
		return
	}

	addr, err := s.Pick(r.Context(), dbname)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.PickResponse{Addr: addr.String()})
}

func (s *PoolService) handlePicks(w http.ResponseWriter, r *http.Request) {
	dbname := r.URL.Query().Get("dbname")
	n, err := strconv.Atoi(r.URL.Query().Get("num"))
	if dbname == "" || err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "Malformed")
		return
	}

	addrs, err := s.Picks(r.Context(), dbname, n)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.PicksResponse{Addrs: addrStrings(addrs)})
}

func (s *PoolService) handleReport(w http.ResponseWriter, r *http.Request) {
	var req wire.ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Dbname == "" || !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "Malformed")
		return
	}

	ok, err := s.Report(r.Context(), req.Dbname, req.ReportInfo)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.OkResponse{Ok: ok})
}

func (s *PoolService) handleReports(w http.ResponseWriter, r *http.Request) {
	var req wire.ReportsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Dbname == "" {
		writeError(w, http.StatusBadRequest, "Malformed")
		return
	}

	ok, err := s.Reports(r.Context(), req.Dbname, req.Reports)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.OkResponse{Ok: ok})
}

func (s *PoolService) handleSave(w http.ResponseWriter, r *http.Request) {
	if err := s.Save(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.OkResponse{Ok: true})
}

func (s *PoolService) handleFlush(w http.ResponseWriter, r *http.Request) {
	dbname := r.URL.Query().Get("dbname")
	if err := s.Flush(r.Context(), dbname); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.OkResponse{Ok: true})
}

func addrStrings(addrs []netip.Addr) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}
