package models

import "time"

const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
)

type Profile struct {
	ID        int64     `json:"id"`
	FullName  *string   `json:"full_name"`
	AvatarURL *string   `json:"avatar_url"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Actor is the authenticated caller. It is passed explicitly into every
// service call.
type Actor struct {
	UserID int64
	Role   string
}

func (a Actor) IsPatient() bool { return a.Role == RolePatient }

func (a Actor) IsDoctor() bool { return a.Role == RoleDoctor }
