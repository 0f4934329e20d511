package gateway

import "time"

// TokenRequest is the body of POST /token.
type TokenRequest struct {
	Username string `json:"username" validate:"required,min=1,max=64"`
}

// TokenResponse is the body returned by POST /token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DeployRequest is the body of POST /deploy.
type DeployRequest struct {
	Task         string `json:"task" validate:"required"`
	CaptchaToken string `json:"captcha_token" validate:"required"`
}

// ActionRequest is the body shared by /stop, /restart, /extend.
type ActionRequest struct {
	InstanceID int64 `json:"instance_id" validate:"required"`
}

// InstanceResponse mirrors the Instance entity with RFC-3339 timestamps.
type InstanceResponse struct {
	ID        int64     `json:"id"`
	TaskName  string    `json:"task_name"`
	Container string    `json:"container_id"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    string    `json:"status"`
	Endpoint  string    `json:"endpoint"`
	Port      *int      `json:"port,omitempty"`
}

// InstanceListItem is the trimmed shape returned by GET /instances.
type InstanceListItem struct {
	ID            int64  `json:"id"`
	TaskName      string `json:"task_name"`
	ExpiresInSecs int64  `json:"expires_in_secs"`
	Endpoint      string `json:"endpoint"`
	Status        string `json:"status"`
}

// TaskInfo is returned by GET /tasks.
type TaskInfo struct {
	Name          string `json:"name"`
	Protocol      string `json:"protocol"`
	ContainerPort int    `json:"container_port"`
}
