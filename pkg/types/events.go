package types

import "time"

type PolicyInfo struct {
	Decision Decision `json:"decision,omitempty"`
	Rule     string   `json:"rule,omitempty"`
	Message  string   `json:"message,omitempty"`
}

type Event struct {
	ID        string      `json:"id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Type      string      `json:"type"`
	PID       int         `json:"pid,omitempty"`
	Policy    *PolicyInfo `json:"policy,omitempty"`

	// Signal delivery fields. PID is the signal target.
	SenderPID int    `json:"sender_pid,omitempty"`
	SenderUID *int   `json:"sender_uid,omitempty"`
	Signal    int    `json:"signal,omitempty"`
	SigName   string `json:"signal_name,omitempty"`
	Syscall   int    `json:"syscall,omitempty"`

	// Resolved executable path of the target, or the protected path for
	// lifecycle events.
	Path string `json:"path,omitempty"`
	// ProtectedPath is the configured program a guard denial protected. It
	// differs from Path when a copy matched by inode identity.
	ProtectedPath string `json:"protected_path,omitempty"`

	Fields map[string]any `json:"fields,omitempty"`
}

type EventQuery struct {
	Types []string
	Since *time.Time
	Until *time.Time

	Decision *Decision
	PID      int

	PathLike string
	TextLike string

	Limit  int
	Offset int
	Asc    bool
}
