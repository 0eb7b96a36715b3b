package types

import (
	"time"
)

// User is an operator account. Passwords are stored as bcrypt hashes and the
// TOTP secret, when enrolled, is vault ciphertext.
type User struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	Username     string     `gorm:"uniqueIndex;not null;size:255" json:"username"`
	PasswordHash string     `gorm:"not null" json:"-"`
	TOTPSecret   string     `json:"-"` // vault ciphertext; empty = 2FA off
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
}

// TableName returns the table name for User.
func (User) TableName() string {
	return "users"
}

// TwoFactorEnabled reports whether the user has completed TOTP enrollment.
func (u *User) TwoFactorEnabled() bool {
	return u.TOTPSecret != ""
}

// Passkey is a registered WebAuthn credential. SignCount is monotonically
// non-decreasing; a presented counter at or below the stored value means a
// cloned authenticator and aborts authentication.
type Passkey struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	UserID          string     `gorm:"index;not null;size:36" json:"-"`
	CredentialID    []byte     `gorm:"uniqueIndex;not null" json:"-"`
	PublicKey       []byte     `gorm:"not null" json:"-"`
	AttestationType string     `json:"-"`
	AAGUID          []byte     `json:"-"`
	SignCount       uint32     `json:"-"`
	Transports      string     `json:"transports,omitempty"` // comma-separated hints
	Name            string     `gorm:"size:255" json:"name"`
	BackedUp        bool       `json:"backedUp"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
}

// TableName returns the table name for Passkey.
func (Passkey) TableName() string {
	return "passkeys"
}

// AuthMethod selects how an SSH connection authenticates.
type AuthMethod string

const (
	AuthMethodNone     AuthMethod = "none"
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
)

// Connection is a saved SSH target. All secret material lives in the
// *Ciphertext columns and is only ever decrypted in memory by the vault.
// ProxyID, when set, names another connection used as a jump host.
type Connection struct {
	ID                   string     `gorm:"primaryKey;size:36" json:"id"`
	UserID               string     `gorm:"index;not null;size:36" json:"-"`
	Name                 string     `gorm:"not null;size:255" json:"name"`
	Host                 string     `gorm:"not null;size:255" json:"host"`
	Port                 int        `json:"port"`
	Username             string     `gorm:"not null;size:255" json:"username"`
	AuthMethod           AuthMethod `gorm:"not null;size:20" json:"authMethod"`
	PasswordCiphertext   string     `json:"-"`
	PrivateKeyCiphertext string     `json:"-"`
	PassphraseCiphertext string     `json:"-"`
	ProxyID              string     `gorm:"size:36" json:"proxyId,omitempty"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName returns the table name for Connection.
func (Connection) TableName() string {
	return "connections"
}

// TaskStatus is the aggregate state of a batch or transfer task.
type TaskStatus string

const (
	TaskStatusQueued             TaskStatus = "queued"
	TaskStatusInProgress         TaskStatus = "in-progress"
	TaskStatusPartiallyCompleted TaskStatus = "partially-completed"
	TaskStatusCompleted          TaskStatus = "completed"
	TaskStatusFailed             TaskStatus = "failed"
	TaskStatusCancelling         TaskStatus = "cancelling" // transfer only
	TaskStatusCancelled          TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusPartiallyCompleted, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// SubTaskStatus is the state of a single per-connection unit of work.
type SubTaskStatus string

const (
	SubTaskStatusQueued       SubTaskStatus = "queued"
	SubTaskStatusConnecting   SubTaskStatus = "connecting"
	SubTaskStatusRunning      SubTaskStatus = "running"      // batch only
	SubTaskStatusTransferring SubTaskStatus = "transferring" // transfer only
	SubTaskStatusCompleted    SubTaskStatus = "completed"
	SubTaskStatusFailed       SubTaskStatus = "failed"
	SubTaskStatusCancelled    SubTaskStatus = "cancelled"
)

// Terminal reports whether the sub-task status is final. A terminal status is
// never overwritten.
func (s SubTaskStatus) Terminal() bool {
	switch s {
	case SubTaskStatusCompleted, SubTaskStatusFailed, SubTaskStatusCancelled:
		return true
	}
	return false
}

// TaskCounts summarizes sub-task outcomes on the parent task. It is embedded
// so the fields flatten into the task payload.
type TaskCounts struct {
	TotalSubTasks int `json:"totalSubTasks"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	Cancelled     int `json:"cancelled"`
}

// BatchTask is one fan-out command execution across many connections.
type BatchTask struct {
	ID             string         `gorm:"primaryKey;size:36" json:"id"`
	UserID         string         `gorm:"index;not null;size:36" json:"-"`
	Command        string         `gorm:"not null" json:"command"`
	ConnectionIDs  []string       `gorm:"serializer:json" json:"connectionIds"`
	Concurrency    int            `json:"concurrencyLimit"`
	TimeoutSeconds int            `json:"timeoutSeconds,omitempty"`
	LoginShell     bool           `json:"loginShell,omitempty"`
	Sudo           bool           `json:"sudo,omitempty"`
	WorkDir        string         `json:"workdir,omitempty"`
	Env            []string       `gorm:"serializer:json" json:"env,omitempty"`
	Status         TaskStatus     `gorm:"index;not null;size:32" json:"status"`
	Progress       int            `json:"overallProgress"`
	TaskCounts     `gorm:"embedded"`
	SubTasks       []BatchSubTask `gorm:"foreignKey:TaskID" json:"subTasks,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	EndedAt        *time.Time     `json:"endedAt,omitempty"`
}

// TableName returns the table name for BatchTask.
func (BatchTask) TableName() string {
	return "batch_tasks"
}

// BatchSubTask is the execution of the task command on one connection.
// Position preserves submission order.
type BatchSubTask struct {
	ID             string        `gorm:"primaryKey;size:36" json:"id"`
	TaskID         string        `gorm:"index;not null;size:36" json:"taskId"`
	Position       int           `json:"-"`
	ConnectionID   string        `gorm:"size:36" json:"connectionId"`
	ConnectionName string        `gorm:"size:255" json:"connectionName"`
	Command        string        `json:"command"`
	Status         SubTaskStatus `gorm:"not null;size:32" json:"status"`
	Progress       int           `json:"progress"`
	ExitCode       *int          `json:"exitCode,omitempty"`
	Output         string        `json:"output,omitempty"`
	Message        string        `json:"message,omitempty"`
	StartedAt      *time.Time    `json:"startedAt,omitempty"`
	EndedAt        *time.Time    `json:"endedAt,omitempty"`
}

// TableName returns the table name for BatchSubTask.
func (BatchSubTask) TableName() string {
	return "batch_subtasks"
}

// TransferMethod selects the copy tool for cross-host transfers.
type TransferMethod string

const (
	TransferMethodAuto  TransferMethod = "auto"
	TransferMethodRsync TransferMethod = "rsync"
	TransferMethodSCP   TransferMethod = "scp"
)

// SourceItemType distinguishes files from directories in a transfer payload.
type SourceItemType string

const (
	SourceItemFile      SourceItemType = "file"
	SourceItemDirectory SourceItemType = "directory"
)

// SourceItem is one file or directory on the source host to be transferred.
type SourceItem struct {
	Name string         `json:"name"`
	Path string         `json:"path"`
	Type SourceItemType `json:"type"`
}

// TransferTask is a cross-host copy: items on one source connection pushed to
// one or more target connections. Transfer state is held in memory only.
type TransferTask struct {
	ID                 string         `json:"id"`
	UserID             string         `json:"-"`
	SourceConnectionID string         `json:"sourceConnectionId"`
	ConnectionIDs      []string       `json:"connectionIds"`
	SourceItems        []SourceItem   `json:"sourceItems"`
	RemoteTargetPath   string         `json:"remoteTargetPath"`
	Method             TransferMethod `json:"transferMethod"`
	Status             TaskStatus     `json:"status"`
	Progress           int            `json:"overallProgress"`
	TaskCounts
	SubTasks  []TransferSubTask `json:"subTasks,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	StartedAt *time.Time        `json:"startedAt,omitempty"`
	EndedAt   *time.Time        `json:"endedAt,omitempty"`
}

// TransferSubTask is the copy of one source item to one target connection.
type TransferSubTask struct {
	ID                 string         `json:"id"`
	TaskID             string         `json:"taskId"`
	TargetConnectionID string         `json:"targetConnectionId"`
	TargetName         string         `json:"targetName"`
	ItemName           string         `json:"itemName"`
	Item               SourceItem     `json:"-"`
	Status             SubTaskStatus  `json:"status"`
	Progress           int            `json:"progress"`
	MethodUsed         TransferMethod `json:"methodUsed,omitempty"`
	Message            string         `json:"message,omitempty"`
	StartedAt          *time.Time     `json:"startedAt,omitempty"`
	EndedAt            *time.Time     `json:"endedAt,omitempty"`
}
