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

// Package errs classifies domain errors into a small set of kinds that the
// transport boundary maps to stable responses.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the class of a domain error
type Kind string

const (
	KindInternal            Kind = "internal"
	KindInvalidCredentials  Kind = "invalid_credentials"
	KindAccountLocked       Kind = "account_locked"
	KindAlreadyProcessed    Kind = "already_processed"
	KindReferentialConflict Kind = "referential_conflict"
	KindValidation          Kind = "validation_failure"
	KindSecurityDenied      Kind = "security_denied"
	KindUnauthenticated     Kind = "unauthenticated"
	KindNotFound            Kind = "not_found"
)

// Item describes one failing sub-item of a batch request
type Item struct {
	Index   int    `json:"index"`
	Field   string `json:"field,omitempty"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

// Error is a classified domain error
type Error struct {
	Kind    Kind
	Message string
	// Hint is a caller-safe extra message (e.g. retry-later for lockouts).
	Hint  string
	Items []Item
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if len(e.Items) > 0 {
		fmt.Fprintf(&b, " (%d item(s) failed)", len(e.Items))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports sentinel equality by kind and message, so wrapped copies created
// with WithItems or WithHint still match their sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

// New creates a new classified error
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an underlying error
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithItems returns a copy of e carrying the failing items
func (e *Error) WithItems(items ...Item) *Error {
	c := *e
	c.Items = append([]Item(nil), items...)
	return &c
}

// WithHint returns a copy of e carrying a caller-safe hint
func (e *Error) WithHint(hint string) *Error {
	c := *e
	c.Hint = hint
	return &c
}

// KindOf returns the kind of err; unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As extracts the classified error, if any
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
