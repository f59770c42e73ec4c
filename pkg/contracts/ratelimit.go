package contracts

import "time"

// RateLimitWindow is a per-agent, per-window-size sliding window.
type RateLimitWindow struct {
	AgentDID        string    `json:"agentDid"`
	WindowSizeMs    int64     `json:"windowSizeMs"`
	WindowStart     time.Time `json:"windowStart"`
	AccumulatedSpend float64  `json:"accumulatedSpend"`
	AccumulatedCount int      `json:"accumulatedCount"`
	Version          int64    `json:"version"` // optimistic-concurrency token
}

// RateLimitCheck is the pure (non-mutating) result of Check(agent, amount).
type RateLimitCheck struct {
	Allowed      bool
	CurrentSpend float64
	Count        int
	Remaining    float64
	ResetAt      time.Time
}

// NonceRecord maps a consumed mandate nonce to its expiry, so the nonce
// store can purge entries whose mandate has already expired.
type NonceRecord struct {
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TransactionHistoryRow is a short-term record used by the anomaly
// detector's velocity/spend-rate windows.
type TransactionHistoryRow struct {
	AgentDID string
	Amount   float64
	At       time.Time
}

// AnomalySignal is the outcome of the anomaly detector's periodic scan.
type AnomalySignal struct {
	Anomalous  bool
	Velocity   float64
	SpendRate  float64
	Reason     string
}
