package database

import "time"

// Deployment lifecycle statuses. A deployment row is the durable source of
// truth for "what should be running" for one team; the reconciler moves it
// between these states based on what the runtime actually reports.
const (
	StatusPending   = "pending"
	StatusStarting  = "starting"
	StatusRunning   = "running"
	StatusUnhealthy = "unhealthy"
	StatusStopped   = "stopped"
	StatusFailed    = "failed"
)

// Session lifecycle states.
const (
	SessionCreated      = "created"
	SessionRunning      = "running"
	SessionDisconnected = "disconnected"
	SessionExited       = "exited"
)

// Deployment is the preview environment record for one team. At most one
// row exists per team (unique index on TeamID); the upsert in
// UpsertDeployment keeps that true across process restarts.
type Deployment struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TeamID        string    `gorm:"uniqueIndex;not null;size:128" json:"team_id"`
	ContainerID   string    `gorm:"size:128" json:"container_id"`
	ContainerName string    `gorm:"size:128" json:"container_name"`
	Port          int       `gorm:"not null;default:0" json:"port"`
	Status        string    `gorm:"not null;default:pending" json:"status"`
	TemplateKind  string    `gorm:"not null;default:node" json:"template_kind"`
	AbsentStrikes int       `gorm:"not null;default:0" json:"-"`
	ProbeFailures int       `gorm:"not null;default:0" json:"-"`
	LastCheckedAt time.Time `json:"last_checked_at"`
	LastError     string    `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Terminal returns true when the deployment is in a state the reconciler
// no longer needs to check.
func (d *Deployment) Terminal() bool {
	return d.Status == StatusStopped || d.Status == StatusFailed
}

// Session is an interactive terminal/agent process record. The backend
// handle is what the chosen backend needs to find the process again: a
// multiplexer session name, a local pid, or host:pid for remote.
type Session struct {
	ID            string    `gorm:"primaryKey;size:64" json:"id"`
	AgentID       string    `gorm:"index;not null;size:128" json:"agent_id"`
	BackendKind   string    `gorm:"not null;uniqueIndex:idx_backend_handle;size:16" json:"backend_kind"`
	BackendHandle string    `gorm:"not null;uniqueIndex:idx_backend_handle;size:256" json:"-"`
	Command       string    `gorm:"type:text" json:"command"`
	Persistent    bool      `gorm:"not null;default:false" json:"persistent"`
	State         string    `gorm:"not null;default:created" json:"state"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	LastActiveAt  time.Time `json:"last_active_at"`
}
