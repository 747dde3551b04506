package models

import "time"

// SessionStatus is a point-in-time view of a streaming session.
type SessionStatus struct {
	State                 string       `json:"state"`
	Connected             bool         `json:"connected"`
	ConnectionID          string       `json:"connection_id,omitempty"`
	LastHeartbeatSentAt   time.Time    `json:"last_heartbeat_sent_at"`
	LastMessageReceivedAt time.Time    `json:"last_message_received_at"`
	Subscriptions         Subscription `json:"subscriptions"`
}

type Subscription struct {
	Touchline    []SymbolKey `json:"touchline"`
	Depth        []SymbolKey `json:"depth"`
	OrderUpdates bool        `json:"order_updates"`
}

// RecorderStats counts rows per recorder worker.
type RecorderStats struct {
	WorkerID      int       `json:"worker_id"`
	Buffered      int       `json:"buffered"`
	Flushed       int64     `json:"flushed"`
	Errors        int64     `json:"errors"`
	LastFlushedAt time.Time `json:"last_flushed_at"`
}
