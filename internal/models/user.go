package models

// User is the identity resolved from a session.
type User struct {
	ID           string `json:"id"`
	SessionToken string `json:"-"`
}
