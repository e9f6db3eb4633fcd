package models

import "time"

// CycleStats summarises one refresh cycle.
type CycleStats struct {
	StartedAt      time.Time     `json:"startedAt"`
	Duration       time.Duration `json:"duration"`
	Addresses      int           `json:"addresses"`
	Queries        int           `json:"queries"`
	TokensUpdated  int           `json:"tokensUpdated"`
	ProviderErrors int           `json:"providerErrors"`
}

// ProviderStats tracks per-provider outcomes for health reporting.
type ProviderStats struct {
	Provider     string    `json:"provider"`
	Requests     int64     `json:"requests"`
	Failures     int64     `json:"failures"`
	LastSuccess  time.Time `json:"lastSuccess"`
	LastError    string    `json:"lastError,omitempty"`
	BreakerState string    `json:"breakerState"`
}
