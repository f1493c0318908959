package models

import "time"

type Doctor struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	Name          string    `json:"name"`
	Specialty     string    `json:"specialty"`
	LicenseNumber *string   `json:"license_number,omitempty"`
	AvatarURL     *string   `json:"avatar_url,omitempty"`
	Bio           *string   `json:"bio,omitempty"`
	IsActive      bool      `json:"is_active"`
	ThemeColor    string    `json:"theme_color"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
