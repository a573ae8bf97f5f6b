package domain

import "time"

// ConnectionStatus is the observable state of the widget connection.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusError        ConnectionStatus = "error"
)

// ConnectionState is the snapshot exposed to the UI layer.
type ConnectionState struct {
	Status        ConnectionStatus `json:"status"`
	LastConnected *time.Time       `json:"lastConnected"`
	RetryCount    int              `json:"retryCount"`
}

// NeedsRecovery returns true when a manual or focus-triggered reconnect applies.
func (s ConnectionState) NeedsRecovery() bool {
	return s.Status == StatusDisconnected || s.Status == StatusError
}
