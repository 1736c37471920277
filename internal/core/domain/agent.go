package domain

import "time"

// Agent represents a registered coordinator caller. Read-mostly.
type Agent struct {
	ID           string    `json:"id"`
	Capabilities []string  `json:"capabilities"`
	CreatedAt    time.Time `json:"created_at"`
}

// Can reports whether the agent advertises the given capability.
func (a *Agent) Can(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
