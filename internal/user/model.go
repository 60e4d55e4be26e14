package user

import (
	"errors"
	"time"
)

// User is a chat profile. The id comes from the external identity provider;
// IsOnline is filled from the presence tracker on read.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	Avatar      string    `json:"avatar,omitempty"`
	IsOnline    bool      `json:"isOnline"`
	LastSeen    time.Time `json:"lastSeen"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type UpsertRequest struct {
	ID          string `json:"id" validate:"required,max=128"`
	Username    string `json:"username" validate:"required,max=64"`
	DisplayName string `json:"displayName" validate:"required,max=128"`
	Avatar      string `json:"avatar,omitempty" validate:"max=2048"`
}

// SearchLimit caps username search results.
const SearchLimit = 10

var ErrNotFound = errors.New("user not found")

type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }
