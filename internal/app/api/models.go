package api

import (
	"time"

	"github.com/dennishilgert/stockade/internal/app/pool"
	"github.com/dennishilgert/stockade/internal/app/vm"
	"github.com/dennishilgert/stockade/pkg/metrics"
)

type ProvisionRequest struct {
	// TTLSeconds bounds the lifetime of the VM. Zero falls back to the
	// default lifetime of the daemon.
	TTLSeconds int `json:"ttlSeconds" validate:"min=0,max=86400"`
}

type VmResponse struct {
	ID             string     `json:"id"`
	State          string     `json:"state"`
	PID            int        `json:"pid"`
	Sandboxed      bool       `json:"sandboxed"`
	EndpointPath   string     `json:"endpointPath"`
	ChainName      string     `json:"chainName"`
	IsolationMode  string     `json:"isolationMode"`
	SpawnLatencyMs int64      `json:"spawnLatencyMs"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

type IsolationResponse struct {
	ID       string `json:"id"`
	Chain    string `json:"chain"`
	Mode     string `json:"mode"`
	Isolated bool   `json:"isolated"`
}

type StatsResponse struct {
	Pool       pool.Stats           `json:"pool"`
	Host       *metrics.HostMetrics `json:"host,omitempty"`
	TrackedVMs int                  `json:"trackedVms"`
}

func toVmResponse(inst *vm.Instance) VmResponse {
	resp := VmResponse{
		ID:             inst.ID(),
		State:          inst.State().String(),
		PID:            inst.Handle.PID,
		Sandboxed:      inst.Handle.Sandboxed,
		EndpointPath:   inst.Handle.EndpointPath,
		SpawnLatencyMs: inst.Handle.SpawnLatency.Milliseconds(),
		CreatedAt:      inst.CreatedAt,
	}
	if inst.Firewall != nil {
		resp.ChainName = inst.Firewall.ChainName()
		resp.IsolationMode = inst.Firewall.Mode().String()
	}
	if !inst.ExpiresAt.IsZero() {
		expiresAt := inst.ExpiresAt
		resp.ExpiresAt = &expiresAt
	}
	return resp
}
