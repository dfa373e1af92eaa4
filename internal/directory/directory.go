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

// Package directory is the LDAP-backed directory authenticator. Every
// operation opens its own connection and runs under the configured timeout;
// nothing is retried.
package directory

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

var (
	// ErrEntryNotFound is returned when a search yields no entry
	ErrEntryNotFound = errors.New("directory entry not found")
	// ErrBindRejected is returned when the directory refuses the credentials
	ErrBindRejected = errors.New("directory rejected credentials")
)

// Config holds directory connection settings
type Config struct {
	URL                string
	BaseDN             string
	BindDN             string
	BindPassword       string
	UserAttribute      string // e.g. sAMAccountName or uid
	FullnameAttribute  string
	EmailAttribute     string
	LockoutAttribute   string
	Timeout            time.Duration
	StartTLS           bool
	InsecureSkipVerify bool
}

// Entry is a directory object
type Entry struct {
	DN         string
	Username   string
	Fullname   string
	Email      string
	Attributes map[string][]string
}

// Conn is the subset of an LDAP connection the client uses
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	SetTimeout(d time.Duration)
	Close() error
}

// Dialer opens a connection
type Dialer func(ctx context.Context) (Conn, error)

// Client talks to the directory
type Client struct {
	cfg  Config
	dial Dialer
}

// NewClient creates a directory client dialing cfg.URL
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.UserAttribute == "" {
		cfg.UserAttribute = "sAMAccountName"
	}
	if cfg.FullnameAttribute == "" {
		cfg.FullnameAttribute = "displayName"
	}
	if cfg.EmailAttribute == "" {
		cfg.EmailAttribute = "mail"
	}
	if cfg.LockoutAttribute == "" {
		cfg.LockoutAttribute = "lockoutTime"
	}
	c := &Client{cfg: cfg}
	c.dial = c.dialLDAP
	return c
}

// NewClientWithDialer creates a client over a custom dialer
func NewClientWithDialer(cfg Config, dial Dialer) *Client {
	c := NewClient(cfg)
	c.dial = dial
	return c
}

func (c *Client) dialLDAP(ctx context.Context) (Conn, error) {
	d := &net.Dialer{Timeout: c.cfg.Timeout}
	tlsCfg := &tls.Config{InsecureSkipVerify: c.cfg.InsecureSkipVerify}
	conn, err := ldap.DialURL(c.cfg.URL, ldap.DialWithDialer(d), ldap.DialWithTLSConfig(tlsCfg))
	if err != nil {
		return nil, fmt.Errorf("failed to dial directory: %w", err)
	}
	if c.cfg.StartTLS {
		if err := conn.StartTLS(tlsCfg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to start tls: %w", err)
		}
	}
	return conn, nil
}

// open dials and applies the operation deadline: the configured timeout,
// shortened by the caller's deadline when that is sooner.
func (c *Client) open(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := c.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(timeout)
	return conn, nil
}

// serviceBind authenticates the connection with the service account, when configured
func (c *Client) serviceBind(conn Conn) error {
	if c.cfg.BindDN == "" {
		return nil
	}
	if err := conn.Bind(c.cfg.BindDN, c.cfg.BindPassword); err != nil {
		return fmt.Errorf("service bind failed: %w", err)
	}
	return nil
}

// Bind verifies dn/password
func (c *Client) Bind(ctx context.Context, dn, password string) error {
	// An empty password would be an unauthenticated bind, which many
	// directories accept.
	if dn == "" || password == "" {
		return ErrBindRejected
	}
	conn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Bind(dn, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return ErrBindRejected
		}
		return fmt.Errorf("directory bind failed: %w", err)
	}
	return nil
}

// Search runs filter over the subtree under baseDN and returns the entries
func (c *Client) Search(ctx context.Context, baseDN, filter string, attributes []string) ([]*Entry, error) {
	return c.query(ctx, baseDN, ldap.ScopeWholeSubtree, filter, attributes)
}

func (c *Client) query(ctx context.Context, baseDN string, scope int, filter string, attributes []string) ([]*Entry, error) {
	conn, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := c.serviceBind(conn); err != nil {
		return nil, err
	}
	return c.search(conn, baseDN, scope, filter, attributes)
}

func (c *Client) search(conn Conn, baseDN string, scope int, filter string, attributes []string) ([]*Entry, error) {
	req := ldap.NewSearchRequest(
		baseDN,
		scope, ldap.NeverDerefAliases,
		0, c.timeLimit(), false,
		filter,
		attributes,
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, fmt.Errorf("directory search failed: %w", err)
	}

	entries := make([]*Entry, 0, len(res.Entries))
	for _, e := range res.Entries {
		entries = append(entries, c.toEntry(e))
	}
	return entries, nil
}

// timeLimit is the server-side search limit in whole seconds. Zero means no
// limit to the server, so any positive timeout rounds up to at least one.
func (c *Client) timeLimit() int {
	if c.cfg.Timeout <= 0 {
		return 0
	}
	return int(math.Ceil(c.cfg.Timeout.Seconds()))
}

// FindUser resolves a username to its entry via the configured attribute
func (c *Client) FindUser(ctx context.Context, username string) (*Entry, error) {
	entries, err := c.Search(ctx, c.cfg.BaseDN, c.userFilter(username), c.attributes())
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrEntryNotFound
	}
	return entries[0], nil
}

// LockoutTime reads the lockout timestamp of dn. ok is false when the
// account is not locked.
func (c *Client) LockoutTime(ctx context.Context, dn string) (time.Time, bool, error) {
	entries, err := c.query(ctx, dn, ldap.ScopeBaseObject, "(objectClass=*)", []string{c.cfg.LockoutAttribute})
	if err != nil {
		return time.Time{}, false, err
	}
	if len(entries) == 0 {
		return time.Time{}, false, ErrEntryNotFound
	}
	vals := entries[0].Attributes[c.cfg.LockoutAttribute]
	if len(vals) == 0 {
		return time.Time{}, false, nil
	}
	t, ok := ParseLockout(vals[0])
	return t, ok, nil
}

func (c *Client) userFilter(username string) string {
	return fmt.Sprintf("(%s=%s)", c.cfg.UserAttribute, ldap.EscapeFilter(username))
}

func (c *Client) attributes() []string {
	return []string{c.cfg.UserAttribute, c.cfg.FullnameAttribute, c.cfg.EmailAttribute, "cn"}
}

func (c *Client) toEntry(e *ldap.Entry) *Entry {
	attrs := make(map[string][]string, len(e.Attributes))
	for _, a := range e.Attributes {
		attrs[a.Name] = a.Values
	}
	fullname := e.GetAttributeValue(c.cfg.FullnameAttribute)
	if fullname == "" {
		fullname = e.GetAttributeValue("cn")
	}
	return &Entry{
		DN:         e.DN,
		Username:   e.GetAttributeValue(c.cfg.UserAttribute),
		Fullname:   fullname,
		Email:      e.GetAttributeValue(c.cfg.EmailAttribute),
		Attributes: attrs,
	}
}

// windowsEpochOffset is the number of 100ns intervals between 1601-01-01 and 1970-01-01
const windowsEpochOffset = 116444736000000000

// ParseLockout reads a lockout attribute: Active Directory FILETIME values
// (100ns intervals since 1601) or LDAP generalized time. Zero means not locked.
func ParseLockout(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" || v == "0" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		if n <= windowsEpochOffset {
			return time.Time{}, false
		}
		ns := (n - windowsEpochOffset) * 100
		return time.Unix(0, ns).UTC(), true
	}
	for _, layout := range []string{"20060102150405Z", "20060102150405.0Z", "20060102150405-0700"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
