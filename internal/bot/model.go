package bot

import "time"

type Status string

const (
	StatusOffline    Status = "OFFLINE"
	StatusConnecting Status = "CONNECTING"
	StatusOnline     Status = "ONLINE"
	StatusError      Status = "ERROR"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOffline, StatusConnecting, StatusOnline, StatusError:
		return true
	default:
		return false
	}
}

// Bot is the persisted record of one configured bot. Status is what the
// process last observed; DesiredStatus is what the owner asked for and
// survives restarts.
type Bot struct {
	ID            string        `json:"id" yaml:"id"`
	OwnerID       string        `json:"owner_id" yaml:"owner_id"`
	Name          string        `json:"name" yaml:"name"`
	ApplicationID string        `json:"application_id" yaml:"application_id"`
	Token         string        `json:"-" yaml:"-"`
	Status        Status        `json:"status" yaml:"status"`
	DesiredStatus Status        `json:"desired_status" yaml:"desired_status"`
	Configuration Configuration `json:"configuration" yaml:"configuration"`
	CreatedAt     time.Time     `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" yaml:"updated_at"`
}

type CreateInput struct {
	ID            string
	OwnerID       string
	Name          string
	ApplicationID string
	Token         string
	Configuration Configuration
	CreatedAt     time.Time
}

// Update carries a partial edit; nil fields are left untouched.
type Update struct {
	Name          *string
	ApplicationID *string
	Token         *string
	Status        *Status
	DesiredStatus *Status
}

func (u Update) IsEmpty() bool {
	return u.Name == nil && u.ApplicationID == nil && u.Token == nil && u.Status == nil && u.DesiredStatus == nil
}

func StatusPtr(s Status) *Status { return &s }
