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

// Package access converts between flat per-form action grants and the
// hierarchical menu structure that clients submit and render.
package access

import "strings"

// Action is a permissionable operation on a form
type Action string

const (
	ActionCreate   Action = "C"
	ActionRead     Action = "R"
	ActionUpdate   Action = "U"
	ActionDelete   Action = "D"
	ActionUpload   Action = "UL"
	ActionDownload Action = "DL"
	ActionArchive  Action = "A"
)

// Actions is the fixed, ordered action set. Matrix rows are always emitted
// in this order.
var Actions = []Action{
	ActionCreate,
	ActionRead,
	ActionUpdate,
	ActionDelete,
	ActionUpload,
	ActionDownload,
	ActionArchive,
}

// ParseAction validates an action code
func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := matrixFields[a]; ok {
		return a, true
	}
	return "", false
}

// Permissions is the boolean view of one form's grants
type Permissions struct {
	IsCreate   bool `json:"isCreate"`
	IsRead     bool `json:"isRead"`
	IsUpdate   bool `json:"isUpdate"`
	IsDelete   bool `json:"isDelete"`
	IsUpload   bool `json:"isUpload"`
	IsDownload bool `json:"isDownload"`
	IsArchive  bool `json:"isArchive"`
}

// matrixFields maps every action to its matrix field. It must cover Actions.
var matrixFields = map[Action]func(*Permissions) *bool{
	ActionCreate:   func(p *Permissions) *bool { return &p.IsCreate },
	ActionRead:     func(p *Permissions) *bool { return &p.IsRead },
	ActionUpdate:   func(p *Permissions) *bool { return &p.IsUpdate },
	ActionDelete:   func(p *Permissions) *bool { return &p.IsDelete },
	ActionUpload:   func(p *Permissions) *bool { return &p.IsUpload },
	ActionDownload: func(p *Permissions) *bool { return &p.IsDownload },
	ActionArchive:  func(p *Permissions) *bool { return &p.IsArchive },
}

// Set records a grant for the action
func (p *Permissions) Set(a Action, v bool) {
	if f, ok := matrixFields[a]; ok {
		*f(p) = v
	}
}

// Allows reports whether the action is granted
func (p Permissions) Allows(a Action) bool {
	f, ok := matrixFields[a]
	if !ok {
		return false
	}
	return *f(&p)
}

// Any reports whether at least one action is granted
func (p Permissions) Any() bool {
	for _, a := range Actions {
		if p.Allows(a) {
			return true
		}
	}
	return false
}

// Form is a permissionable menu node
type Form struct {
	ID         int64  `json:"id"`
	ParentID   *int64 `json:"parentId,omitempty"`
	Label      string `json:"label"`
	Path       string `json:"path"`
	SortOrder  int    `json:"sortOrder"`
	IsReadOnly bool   `json:"isReadOnly"`
}

// AllowedActions returns the actions a form can carry
func (f Form) AllowedActions() []Action {
	if f.IsReadOnly {
		return []Action{ActionRead}
	}
	return Actions
}

// RoleEntry is one submitted action grant
type RoleEntry struct {
	RoleAction Action `json:"roleAction"`
	RoleValue  bool   `json:"roleValue"`
}

// MenuNode is the hierarchical representation of a form and its grants
type MenuNode struct {
	FormID     int64       `json:"formId"`
	ParentID   *int64      `json:"parentId,omitempty"`
	Label      string      `json:"label,omitempty"`
	Path       string      `json:"path,omitempty"`
	SortOrder  int         `json:"sortOrder"`
	IsReadOnly bool        `json:"isReadOnly"`
	Roles      []RoleEntry `json:"roles"`
	Children   []MenuNode  `json:"children,omitempty"`
}

// Row is a persisted (form, type, action) grant
type Row struct {
	FormID     int64  `json:"formId"`
	TypeID     int64  `json:"typeId"`
	RoleAction Action `json:"roleAction"`
	RoleValue  bool   `json:"roleValue"`
	CreatedBy  int64  `json:"-"`
}

type rowKey struct {
	formID int64
	typeID int64
	action Action
}

func (r Row) key() rowKey {
	return rowKey{formID: r.FormID, typeID: r.TypeID, action: r.RoleAction}
}
