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

package rbac

import "strings"

// ModeSuperadmin is the reserved privilege mode. It is only ever written by
// seed migrations; user-facing create/update paths must reject it.
const ModeSuperadmin = "superadmin"

// System-seeded identifiers from the initial schema migration.
// DO NOT modify these values without a corresponding data migration.
const (
	// GroupIDDefault is the seeded "Default" group.
	GroupIDDefault int64 = 1

	// TypeIDSuperadmin is the seeded type carrying ModeSuperadmin.
	TypeIDSuperadmin int64 = 1

	// TypeIDAdministrator is the seeded administrator type of the default group.
	TypeIDAdministrator int64 = 2
)

// Record statuses shared by every table
const (
	StatusActive   = "A"
	StatusInactive = "N"
)

// IsSuperadmin classifies a privilege mode
func IsSuperadmin(mode string) bool {
	return strings.EqualFold(strings.TrimSpace(mode), ModeSuperadmin)
}

// Actor is the authenticated caller as seen by the domain services
type Actor struct {
	UserID   int64
	Username string
	GroupID  int64
	TypeID   int64
	TypeName string
	Mode     string
	Device   string
	IP       string
}

// IsSuperadmin reports whether the actor holds the reserved mode
func (a Actor) IsSuperadmin() bool {
	return IsSuperadmin(a.Mode)
}

// SystemActor is used for bootstrap and scheduled jobs
var SystemActor = Actor{Username: "system", Mode: ModeSuperadmin}
