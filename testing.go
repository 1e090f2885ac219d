// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package authnz

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"
)

// TestStore is an in-memory UserStore and TokenStore for tests.  It returns
// copies of its records.  Unlike a real store it allows duplicate
// credentials via AddCredential.
type TestStore struct {
	mu          sync.Mutex
	users       map[string]*User
	creds       map[string]*DelegatedCredential
	activations []string
}

var (
	_ UserStore  = (*TestStore)(nil)
	_ TokenStore = (*TestStore)(nil)
)

// NewTestStore creates an empty store.
func NewTestStore() *TestStore {
	return &TestStore{
		users: map[string]*User{},
		creds: map[string]*DelegatedCredential{},
	}
}

func testID() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		panic(err)
	}
	return id
}

// AddUser stores a copy of u, assigning an ID when it's empty, and returns
// the copy.
func (s *TestStore) AddUser(u User) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = testID()
	}
	s.users[u.ID] = &u
	cp := u
	return &cp
}

// AddCredential always creates a new record, even when one exists for the
// same user and provider.
func (s *TestStore) AddCredential(c DelegatedCredential) *DelegatedCredential {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = testID()
	s.creds[c.ID] = &c
	cp := c
	return &cp
}

// Credentials returns every stored credential ordered by provider then ID.
func (s *TestStore) Credentials() []*DelegatedCredential {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*DelegatedCredential, 0, len(s.creds))
	for _, c := range s.creds {
		cp := *c
		all = append(all, &cp)
	}
	sortCredentials(all)
	return all
}

// AllUsers returns every stored user.
func (s *TestStore) AllUsers() []*User {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// Activations returns the ids of the users an activation email was sent to.
func (s *TestStore) Activations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.activations...)
}

func sortCredentials(all []*DelegatedCredential) {
	sort.Slice(all, func(i, j int) bool {
		if all[i].Provider != all[j].Provider {
			return all[i].Provider < all[j].Provider
		}
		return all[i].ID < all[j].ID
	})
}

func (s *TestStore) findUser(match func(*User) bool) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if match(u) {
			cp := *u
			return &cp
		}
	}
	return nil
}

// FindByID implements UserStore.
func (s *TestStore) FindByID(_ context.Context, id string) (*User, error) {
	return s.findUser(func(u *User) bool { return u.ID == id }), nil
}

// FindByEmail implements UserStore.
func (s *TestStore) FindByEmail(_ context.Context, email string) (*User, error) {
	return s.findUser(func(u *User) bool { return u.Email == email }), nil
}

// FindByUsername implements UserStore.
func (s *TestStore) FindByUsername(_ context.Context, username string) (*User, error) {
	return s.findUser(func(u *User) bool { return u.Username == username }), nil
}

// Create implements UserStore.
func (s *TestStore) Create(_ context.Context, email, username string) (*User, error) {
	return s.AddUser(User{Email: email, Username: username}), nil
}

// SendActivationEmail implements UserStore.
func (s *TestStore) SendActivationEmail(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activations = append(s.activations, u.ID)
	return nil
}

// Find implements TokenStore.
func (s *TestStore) Find(_ context.Context, subject, provider string) (*DelegatedCredential, error) {
	for _, c := range s.Credentials() {
		if c.Subject == subject && c.Provider == provider {
			return c, nil
		}
	}
	return nil, nil
}

// ListForUser implements TokenStore.
func (s *TestStore) ListForUser(_ context.Context, userID string) ([]*DelegatedCredential, error) {
	var found []*DelegatedCredential
	for _, c := range s.Credentials() {
		if c.UserID == userID {
			found = append(found, c)
		}
	}
	return found, nil
}

// Upsert implements TokenStore.
func (s *TestStore) Upsert(_ context.Context, c *DelegatedCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = testID()
	} else if _, ok := s.creds[c.ID]; !ok {
		return fmt.Errorf("TestStore.Upsert: credential %q not found", c.ID)
	}
	cp := *c
	s.creds[c.ID] = &cp
	return nil
}

// Delete implements TokenStore.
func (s *TestStore) Delete(_ context.Context, c *DelegatedCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, c.ID)
	return nil
}

// TestTransaction is a Transaction for tests backed by a cookie map.
type TestTransaction struct {
	mu         sync.Mutex
	store      *TestStore
	user       *User
	requestURL string
	cookies    map[string]string
	ages       map[string]time.Duration
}

var _ Transaction = (*TestTransaction)(nil)

// NewTestTransaction creates a transaction for user, which may be nil.
func NewTestTransaction(store *TestStore, user *User) *TestTransaction {
	return &TestTransaction{
		store:      store,
		user:       user,
		requestURL: "https://app.example/",
		cookies:    map[string]string{},
		ages:       map[string]time.Duration{},
	}
}

// Cookie implements Transaction.
func (tx *TestTransaction) Cookie(name string) (string, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	v, ok := tx.cookies[name]
	return v, ok
}

// SetCookie implements Transaction.
func (tx *TestTransaction) SetCookie(name, value string, maxAge time.Duration) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if maxAge < 0 {
		delete(tx.cookies, name)
		delete(tx.ages, name)
		return
	}
	tx.cookies[name] = value
	tx.ages[name] = maxAge
}

// CookieAge returns the max age the named cookie was set with.
func (tx *TestTransaction) CookieAge(name string) (time.Duration, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	age, ok := tx.ages[name]
	return age, ok
}

// SetUser sets the session user.
func (tx *TestTransaction) SetUser(u *User) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.user = u
}

// CurrentUser implements Transaction.
func (tx *TestTransaction) CurrentUser() *User {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.user
}

// RequestURL implements Transaction.
func (tx *TestTransaction) RequestURL() string { return tx.requestURL }

// Users implements Transaction.
func (tx *TestTransaction) Users() UserStore { return tx.store }

// Tokens implements Transaction.
func (tx *TestTransaction) Tokens() TokenStore { return tx.store }
