package models

import (
	"encoding/json"
	"time"
)

// User is a stored account, without its credential.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

// Principal is the result of a successful credential check.
type Principal struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

// UserInput carries the fields for creating or updating a user. An empty
// Password on update keeps the existing credential.
type UserInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"is_admin"`
}

// Preferences is an opaque per-user JSON document.
type Preferences = json.RawMessage
