// Package api holds the JSON types exchanged between the pool and its
// worker processes, and by the gateway.
package api

import (
	"time"

	"github.com/psantana5/backendpool/pkg/models"
)

// Worker RPC routes.
const (
	RouteOpen     = "/v1/session/open"
	RouteCall     = "/v1/call"
	RouteCleanup  = "/v1/cleanup"
	RouteStatus   = "/v1/status"
	RouteShutdown = "/v1/shutdown"
	RouteHealth   = "/healthz"
)

// Gateway routes.
const (
	RouteExec          = "/v1/exec"
	RouteTxn           = "/v1/txn"
	RouteGatewayStatus = "/v1/status"
	RouteMetrics       = "/metrics"
)

// OpenRequest asks a worker to open its backend session.
type OpenRequest struct {
	Credential  models.Credential `json:"credential"`
	CallTimeout string            `json:"call_timeout,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WorkerStatus describes one worker process and its session.
type WorkerStatus struct {
	PID         int                 `json:"pid" yaml:"pid"`
	Port        int                 `json:"port" yaml:"port"`
	Driver      string              `json:"driver" yaml:"driver"`
	State       models.SessionState `json:"state" yaml:"state"`
	Connected   bool                `json:"connected" yaml:"connected"`
	Handles     int                 `json:"handles" yaml:"handles"`
	Calls       uint64              `json:"calls" yaml:"calls"`
	TimedOut    uint64              `json:"timed_out" yaml:"timed_out"`
	RSSBytes    uint64              `json:"rss_bytes" yaml:"rss_bytes"`
	StartedAt   time.Time           `json:"started_at" yaml:"started_at"`
	Uptime      string              `json:"uptime" yaml:"uptime"`
	Credential  string              `json:"credential,omitempty" yaml:"credential,omitempty"`
	LastFault   string              `json:"last_fault,omitempty" yaml:"last_fault,omitempty"`
	CallTimeout string              `json:"call_timeout,omitempty" yaml:"call_timeout,omitempty"`
}

// KeyStats is the pool view of one credential.
type KeyStats struct {
	Key       string `json:"key" yaml:"key"`
	Label     string `json:"label" yaml:"label"`
	Active    int    `json:"active" yaml:"active"`
	Idle      int    `json:"idle" yaml:"idle"`
	Waiters   int    `json:"waiters" yaml:"waiters"`
	Created   uint64 `json:"created" yaml:"created"`
	Destroyed uint64 `json:"destroyed" yaml:"destroyed"`
	Borrowed  uint64 `json:"borrowed" yaml:"borrowed"`
}

// PoolStatus is the pool view across all credentials.
type PoolStatus struct {
	Closed    bool       `json:"closed" yaml:"closed"`
	MaxTotal  int        `json:"max_total" yaml:"max_total"`
	MaxActive int        `json:"max_active" yaml:"max_active"`
	Active    int        `json:"active" yaml:"active"`
	Idle      int        `json:"idle" yaml:"idle"`
	Keys      []KeyStats `json:"keys" yaml:"keys"`
}

// GatewayStatus is served by the gateway's status route.
type GatewayStatus struct {
	Pool   PoolStatus        `json:"pool" yaml:"pool"`
	Slots  []models.SlotInfo `json:"slots" yaml:"slots"`
	Faults []FaultSample     `json:"recent_faults,omitempty" yaml:"recent_faults,omitempty"`
}

// FaultSample is one recent failure kept for the status view.
type FaultSample struct {
	Time    time.Time `json:"time" yaml:"time"`
	Code    string    `json:"code" yaml:"code"`
	Op      string    `json:"op" yaml:"op"`
	Key     string    `json:"key,omitempty" yaml:"key,omitempty"`
	Message string    `json:"message" yaml:"message"`
}

// ExecRequest runs one operation on a pooled session.
type ExecRequest struct {
	Credential *models.Credential `json:"credential,omitempty"`
	Op         string             `json:"op"`
	Args       []string           `json:"args,omitempty"`
	Timeout    string             `json:"timeout,omitempty"`
}

// ExecResponse carries the result of an ExecRequest.
type ExecResponse struct {
	Result models.CallResult `json:"result"`
	Port   int               `json:"port"`
}

// TxnRequest runs a batch of operations inside one transaction.
type TxnRequest struct {
	Credential *models.Credential `json:"credential,omitempty"`
	Steps      []TxnStep          `json:"steps"`
	Rollback   bool               `json:"rollback,omitempty"`
}

// TxnStep is one operation of a TxnRequest.
type TxnStep struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

// TxnResponse reports the outcome of a TxnRequest.
type TxnResponse struct {
	Xid     string              `json:"xid"`
	Outcome string              `json:"outcome"`
	Results []models.CallResult `json:"results"`
}
