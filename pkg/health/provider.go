package health

import "sync/atomic"

type ProviderOptions struct {
	Targets int
}

type Provider interface {
	Ready()
	Healthy() bool
	Status() Status
}

// Status is the point in time view of the readiness targets.
type Status struct {
	Healthy      bool `json:"healthy"`
	Targets      int  `json:"targets"`
	TargetsReady int  `json:"targetsReady"`
}

type healthStatusProvider struct {
	targets      int32
	targetsReady atomic.Int32
	healthy      atomic.Bool
}

// NewHealthStatusProvider creates a new Provider.
func NewHealthStatusProvider(opts ProviderOptions) Provider {
	return &healthStatusProvider{
		targets: int32(opts.Targets),
	}
}

// Ready tells the health status provider that a target is ready.
func (h *healthStatusProvider) Ready() {
	if h.targetsReady.Add(1) >= h.targets {
		h.healthy.Store(true)
	}
}

// Healthy returns if all targets are ready.
func (h *healthStatusProvider) Healthy() bool {
	return h.healthy.Load()
}

func (h *healthStatusProvider) Status() Status {
	return Status{
		Healthy:      h.healthy.Load(),
		Targets:      int(h.targets),
		TargetsReady: int(h.targetsReady.Load()),
	}
}
