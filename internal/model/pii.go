package model

import "time"

// PIIRecord is the single per-(user, resource) slot in `user_pii`.
// Resubmission overwrites Token and EncryptedOriginal.
type PIIRecord struct {
	UserID            uint64    `json:"user_id"`
	ResourceType      string    `json:"resource_type"`
	EncryptedOriginal string    `json:"-"`
	Token             string    `json:"token"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Location is the coarse geolocation attached to audit entries.
type Location struct {
	Country string `json:"country"`
	Region  string `json:"region"`
	City    string `json:"city"`
}
