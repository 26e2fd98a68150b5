// Package wire defines the JSON shapes and status-code mapping of the pool
// service's RPC surface. Both the server (internal/poolservice) and the
// client (pkg/poolclient) import this package so the two sides never drift.
package wire

import (
	"errors"
	"net/http"

	"github.com/nvoss/v6pool/pkg/poolerr"
)

// AddrStatus is the canonical wire representation of a mirrored address's
// state. It is accepted case-sensitively; there is no normalization.
type AddrStatus string

const (
	StatusIdle  AddrStatus = "idle"
	StatusUsing AddrStatus = "using"
	StatusBad   AddrStatus = "bad"
)

// Valid reports whether s is one of the three defined statuses.
func (s AddrStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusUsing, StatusBad:
		return true
	default:
		return false
	}
}

// StatsResponse answers GET /stats. Either the per-mirror counts
// (Total/Idle/Using/Bad) or Global is set,
// matching the dbname-present/absent distinction in the RPC table.
type StatsResponse struct {
	Total int `json:"total,omitempty"`
	Idle  int `json:"idle,omitempty"`
	Using int `json:"using,omitempty"`
	Bad   int `json:"bad,omitempty"`

	Global *GlobalStats `json:"global,omitempty"`
}

// GlobalStats is the shape returned when /stats is called without a dbname.
type GlobalStats struct {
	Total  int    `json:"total"`
	Prefix string `json:"prefix"`
}

// SpawnResponse answers GET /spawn.
type SpawnResponse struct {
	Addr string `json:"addr"`
}

// SpawnsResponse answers GET /spawns.
type SpawnsResponse struct {
	Addrs    []string `json:"addrs"`
	Complete bool     `json:"complete"`
}

// CheckRequest is the body of POST /check.
type CheckRequest struct {
	Addr string `json:"addr"`
}

// CheckResponse answers POST /check.
type CheckResponse struct {
	Usable bool `json:"usable"`
}

// ChecksRequest is the body of POST /checks.
type ChecksRequest struct {
	Addrs []string `json:"addrs"`
}

// ChecksResponse answers POST /checks, results in input order.
type ChecksResponse struct {
	Usables []bool `json:"usables"`
}

// PickResponse answers GET /pick.
type PickResponse struct {
	Addr string `json:"addr"`
}

// PicksResponse answers GET /picks. Short returns are not an error.
type PicksResponse struct {
	Addrs []string `json:"addrs"`
}

// ReportInfo is a single address's reported outcome. Reason is optional
// operator-facing context; the server never interprets it.
type ReportInfo struct {
	Addr   string     `json:"addr"`
	Status AddrStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
}

// ReportRequest is the body of POST /report.
type ReportRequest struct {
	Dbname string `json:"dbname"`
	ReportInfo
}

// ReportsRequest is the body of POST /reports.
type ReportsRequest struct {
	Dbname  string       `json:"dbname"`
	Reports []ReportInfo `json:"reports"`
}

// OkResponse is the shared shape for /report, /reports, /save and /flush.
type OkResponse struct {
	Ok bool `json:"ok"`
}

// ErrorResponse is the body returned alongside any non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusFor maps the error taxonomy in pkg/poolerr to the HTTP status codes
// in the RPC table: 400 malformed, 404 unknown dbname, 409 transient
// conflict, 503 resource-unavailable, 500 unexpected.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, poolerr.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, poolerr.ErrNoMirror):
		return http.StatusNotFound
	case errors.Is(err, poolerr.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, poolerr.ErrNoAddress), errors.Is(err, poolerr.ErrNoPrefix):
		return http.StatusServiceUnavailable
	case errors.Is(err, poolerr.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, poolerr.ErrCancelled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NameFor returns the taxonomy name carried in ErrorResponse.Error, matching
// the sentinel names in pkg/poolerr (e.g. "NoAddress", "NoPrefix").
func NameFor(err error) string {
	switch {
	case errors.Is(err, poolerr.ErrNoInterface):
		return "NoInterface"
	case errors.Is(err, poolerr.ErrNoGlobalAddress):
		return "NoGlobalAddress"
	case errors.Is(err, poolerr.ErrNoPrefix):
		return "NoPrefix"
	case errors.Is(err, poolerr.ErrNoAddress):
		return "NoAddress"
	case errors.Is(err, poolerr.ErrNoMirror):
		return "NoMirror"
	case errors.Is(err, poolerr.ErrCheckFailed):
		return "CheckFailed"
	case errors.Is(err, poolerr.ErrProxyRestart):
		return "ProxyRestart"
	case errors.Is(err, poolerr.ErrPoolExhausted):
		return "PoolExhausted"
	case errors.Is(err, poolerr.ErrTimeout):
		return "Timeout"
	case errors.Is(err, poolerr.ErrBusy):
		return "Busy"
	case errors.Is(err, poolerr.ErrCancelled):
		return "Cancelled"
	case errors.Is(err, poolerr.ErrMalformed):
		return "Malformed"
	default:
		return "Internal"
	}
}
