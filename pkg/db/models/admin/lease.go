package admin

import "time"

const LeasesTableName = "leases"

// Lease is a named, expiring ownership record.
type Lease struct {
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}
