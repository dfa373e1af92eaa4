// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package identity

import (
	"context"
	"time"

	"github.com/guregu/null/v5"

	"github.com/opentrusty/opentrusty-admin/internal/directory"
	"github.com/opentrusty/opentrusty-admin/internal/errs"
	"github.com/opentrusty/opentrusty-admin/internal/paging"
)

// Domain errors. Every login rejection shares one caller-visible message;
// the reason is only recorded in the audit trail.
var (
	ErrUserNotFound       = errs.New(errs.KindNotFound, "user not found")
	ErrUserAlreadyExists  = errs.New(errs.KindValidation, "user already exists")
	ErrInvalidCredentials = errs.New(errs.KindInvalidCredentials, "invalid username or password, or the account is not registered or inactive")
	ErrAccountLocked      = errs.New(errs.KindAccountLocked, "account is locked")
)

// User is the live identity record
type User struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	Fullname       string    `json:"fullname"`
	Email          string    `json:"email"`
	DirectoryID    string    `json:"directoryId"`
	FailedAttempts int       `json:"failedAttempts"`
	Status         string    `json:"recordStatus"`
	CreatedBy      int64     `json:"createdBy"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      null.Time `json:"updatedAt"`
}

// Revision is a snapshot of a user written on every administrative change
type Revision struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"userId"`
	Username       string    `json:"username"`
	Fullname       string    `json:"fullname"`
	Email          string    `json:"email"`
	DirectoryID    string    `json:"directoryId"`
	FailedAttempts int       `json:"failedAttempts"`
	Status         string    `json:"recordStatus"`
	CreatedBy      int64     `json:"createdBy"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Filter narrows List
type Filter struct {
	Username string
}

// UserRepository defines the interface for user persistence
type UserRepository interface {
	// Create inserts the user and its first revision in one transaction
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	// GetByUsername matches case-insensitively, whatever the status
	GetByUsername(ctx context.Context, username string) (*User, error)
	// LatestRevision returns the most recent revision of the user
	LatestRevision(ctx context.Context, userID int64) (*Revision, error)
	// RecordFailedAttempt increments the counter on the user and its latest
	// revision and returns the new value
	RecordFailedAttempt(ctx context.Context, userID int64) (int, error)
	// ResetAttempts zeroes the counter and syncs directory attributes
	ResetAttempts(ctx context.Context, userID int64, fullname, email string) error
	// Disable marks the user and its latest revision inactive
	Disable(ctx context.Context, userID, actorID int64) error
	IsActive(ctx context.Context, userID int64) (bool, error)
	List(ctx context.Context, f Filter, req paging.Request) ([]*User, int, error)
}

// Directory is the directory authenticator consumed by login and registration
type Directory interface {
	FindUser(ctx context.Context, username string) (*directory.Entry, error)
	Bind(ctx context.Context, dn, password string) error
	LockoutTime(ctx context.Context, dn string) (time.Time, bool, error)
}
