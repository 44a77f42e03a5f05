package model

// WebSocket message types
const (
	WSMessageTypeProject = "project"
	WSMessageTypeError   = "error"
	WSMessageTypePing    = "ping"
	WSMessageTypePong    = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProjectMessage carries a project snapshot after a state change
type WSProjectMessage struct {
	Type    string   `json:"type"`
	Project *Project `json:"project"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type  string  `json:"type"`
	Error WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
