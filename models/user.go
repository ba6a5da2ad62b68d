package models

import "time"

// User represents an account in the backend
type User struct {
	ID              int64     `json:"id"`
	Username        string    `json:"username"`
	FullName        string    `json:"fullName"`
	Password        string    `json:"-"` // Never send password in JSON
	Bio             string    `json:"bio"`
	DOB             string    `json:"dob"`
	ProfileImageURI string    `json:"profileImageUri"`
	CreatedAt       time.Time `json:"created_at"`
	LastActive      time.Time `json:"last_active"`
}

// Profile is the public view of a User
type Profile struct {
	ID              int64     `json:"id"`
	Username        string    `json:"username"`
	FullName        string    `json:"fullName"`
	Bio             string    `json:"bio"`
	DOB             string    `json:"dob"`
	ProfileImageURI string    `json:"profileImageUri"`
	CreatedAt       time.Time `json:"created_at"`
	LastActive      time.Time `json:"last_active"`
}

// ToProfile converts User to Profile
func (u *User) ToProfile() Profile {
	return Profile{
		ID:              u.ID,
		Username:        u.Username,
		FullName:        u.FullName,
		Bio:             u.Bio,
		DOB:             u.DOB,
		ProfileImageURI: u.ProfileImageURI,
		CreatedAt:       u.CreatedAt,
		LastActive:      u.LastActive,
	}
}

// Session is a login session; its ID doubles as the bearer token.
type Session struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
