package models

// ConnectionState is the transport state of the collaboration event channel.
type ConnectionState string

const (
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionReconnecting ConnectionState = "reconnecting"
)

// Identity is the local user announced to the backend with identify.
type Identity struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// DisplayName returns the name, or the email when no name is set.
func (i Identity) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.Email
}
