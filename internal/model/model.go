// Package model holds the persisted entities shared across the store,
// deployer, gateway, and reaper.
package model

import "time"

// InstanceStatus is the lifecycle state of a deployed instance.
type InstanceStatus string

const (
	StatusRunning InstanceStatus = "Running"
	StatusStopped InstanceStatus = "Stopped"
	StatusExpired InstanceStatus = "Expired"
)

// User is a unique username, created on first token request.
type User struct {
	ID        int64
	Username  string
	CreatedAt time.Time
}

// Session is an opaque bearer token owned by a user.
type Session struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Valid reports whether the session authenticates at the given instant.
func (s Session) Valid(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// Task is a named container build recipe, seeded from a directory scan.
type Task struct {
	Name           string
	DockerfilePath string
	CreatedAt      time.Time
}

// Instance is a single deployed container and its routing/expiry state.
type Instance struct {
	ID        int64
	TaskName  string
	UserID    int64
	Container string
	CreatedAt time.Time
	ExpiresAt time.Time
	Status    InstanceStatus
	Endpoint  string
	Port      *int
}

// Draft is the result of a Deployer.Deploy call before the Gateway has
// persisted it and assigned it an identifier and owner.
type Draft struct {
	TaskName  string
	Container string
	ExpiresAt time.Time
	Endpoint  string
	Port      *int
}
