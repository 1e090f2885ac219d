// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package bolt is an authnz.UserStore and authnz.TokenStore backed by a
// bbolt file.  Tokens are stored as they are, so the file must be protected
// like any other secret.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/authnz"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
	"go.etcd.io/bbolt"
)

// openTimeout bounds the wait for the file lock held by another process.
const openTimeout = time.Second

var (
	usersBucket    = []byte("users")
	emailIndex     = []byte("users_by_email")
	usernameIndex  = []byte("users_by_username")
	credsBucket    = []byte("credentials")
	subjectIndex   = []byte("credentials_by_subject")
	userCredsIndex = []byte("credentials_by_user")
	allBuckets     = [][]byte{usersBucket, emailIndex, usernameIndex, credsBucket, subjectIndex, userCredsIndex}
	keySeparator   = []byte{0}
)

var (
	// ErrDuplicate is returned when a user's email or username is taken.
	ErrDuplicate = errors.New("duplicate record")

	// ErrNotFound is returned when updating a record which doesn't exist.
	ErrNotFound = errors.New("not found")
)

// ActivationSender delivers the activation email of a new user.
type ActivationSender func(ctx context.Context, u *authnz.User) error

// Store implements authnz.UserStore and authnz.TokenStore.
type Store struct {
	db             *bbolt.DB
	logger         hclog.Logger
	sendActivation ActivationSender
}

var (
	_ authnz.UserStore  = (*Store)(nil)
	_ authnz.TokenStore = (*Store)(nil)
)

// Open opens, creating when needed, the store at path.
//
// Supported options: WithLogger, WithActivationSender
func Open(path string, opt ...authnz.Option) (*Store, error) {
	const op = "bolt.Open"
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%s: path is empty: %w", op, authnz.ErrInvalidParameter)
	}
	opts := getOpts(opt...)
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("%s: unable to open %q: %w", op, path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create %s bucket: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Store{
		db:             db,
		logger:         opts.withLogger,
		sendActivation: opts.withActivationSender,
	}, nil
}

// Close closes the underlying file.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func newID() (string, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("unable to generate id: %w", err)
	}
	return id, nil
}

func joinKey(parts ...string) []byte {
	b := make([][]byte, 0, len(parts))
	for _, p := range parts {
		b = append(b, []byte(p))
	}
	return bytes.Join(b, keySeparator)
}

func emailKey(email string) []byte {
	return []byte(strings.ToLower(email))
}

func getJSON(b *bbolt.Bucket, key []byte, v interface{}) (bool, error) {
	raw := b.Get(key)
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("unable to decode %q: %w", key, err)
	}
	return true, nil
}

func putJSON(b *bbolt.Bucket, key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("unable to encode %q: %w", key, err)
	}
	return b.Put(key, raw)
}

// FindByID implements authnz.UserStore.
func (s *Store) FindByID(ctx context.Context, id string) (*authnz.User, error) {
	const op = "bolt.(Store).FindByID"
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var u *authnz.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		u, err = userByID(tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// FindByEmail implements authnz.UserStore.  Emails are matched case
// insensitively.
func (s *Store) FindByEmail(ctx context.Context, email string) (*authnz.User, error) {
	const op = "bolt.(Store).FindByEmail"
	return s.findByIndex(ctx, op, emailIndex, emailKey(email))
}

// FindByUsername implements authnz.UserStore.
func (s *Store) FindByUsername(ctx context.Context, username string) (*authnz.User, error) {
	const op = "bolt.(Store).FindByUsername"
	return s.findByIndex(ctx, op, usernameIndex, []byte(username))
}

func (s *Store) findByIndex(ctx context.Context, op string, index, key []byte) (*authnz.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var u *authnz.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(index).Get(key)
		if id == nil {
			return nil
		}
		var err error
		u, err = userByID(tx, string(id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

func userByID(tx *bbolt.Tx, id string) (*authnz.User, error) {
	var u authnz.User
	found, err := getJSON(tx.Bucket(usersBucket), []byte(id), &u)
	if err != nil || !found {
		return nil, err
	}
	return &u, nil
}

// Create implements authnz.UserStore.  The user starts inactive.
func (s *Store) Create(ctx context.Context, email, username string) (*authnz.User, error) {
	const op = "bolt.(Store).Create"
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if email == "" || username == "" {
		return nil, fmt.Errorf("%s: email and username are required: %w", op, authnz.ErrInvalidParameter)
	}
	id, err := newID()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	u := &authnz.User{ID: id, Email: email, Username: username}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		byEmail, byUsername := tx.Bucket(emailIndex), tx.Bucket(usernameIndex)
		if byEmail.Get(emailKey(email)) != nil {
			return fmt.Errorf("email %q: %w", email, ErrDuplicate)
		}
		if byUsername.Get([]byte(username)) != nil {
			return fmt.Errorf("username %q: %w", username, ErrDuplicate)
		}
		if err := putJSON(tx.Bucket(usersBucket), []byte(id), u); err != nil {
			return err
		}
		if err := byEmail.Put(emailKey(email), []byte(id)); err != nil {
			return err
		}
		return byUsername.Put([]byte(username), []byte(id))
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// Activate marks the user's email address as confirmed.
func (s *Store) Activate(ctx context.Context, id string) error {
	const op = "bolt.(Store).Activate"
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		u, err := userByID(tx, id)
		if err != nil {
			return err
		}
		if u == nil {
			return fmt.Errorf("user %q: %w", id, ErrNotFound)
		}
		u.Active = true
		return putJSON(tx.Bucket(usersBucket), []byte(id), u)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SendActivationEmail implements authnz.UserStore.  Without an
// ActivationSender the request is only logged.
func (s *Store) SendActivationEmail(ctx context.Context, u *authnz.User) error {
	const op = "bolt.(Store).SendActivationEmail"
	if u == nil {
		return fmt.Errorf("%s: user is nil: %w", op, authnz.ErrNilParameter)
	}
	if s.sendActivation == nil {
		s.logger.Info("activation email requested", "user_id", u.ID)
		return nil
	}
	if err := s.sendActivation(ctx, u); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Find implements authnz.TokenStore.
func (s *Store) Find(ctx context.Context, subject, provider string) (*authnz.DelegatedCredential, error) {
	const op = "bolt.(Store).Find"
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var c *authnz.DelegatedCredential
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(subjectIndex).Get(joinKey(provider, subject))
		if id == nil {
			return nil
		}
		var err error
		c, err = credByID(tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

func credByID(tx *bbolt.Tx, id []byte) (*authnz.DelegatedCredential, error) {
	var c authnz.DelegatedCredential
	found, err := getJSON(tx.Bucket(credsBucket), id, &c)
	if err != nil || !found {
		return nil, err
	}
	return &c, nil
}

// ListForUser implements authnz.TokenStore.  Credentials are ordered by id.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*authnz.DelegatedCredential, error) {
	const op = "bolt.(Store).ListForUser"
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var found []*authnz.DelegatedCredential
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := append([]byte(userID), keySeparator...)
		cur := tx.Bucket(userCredsIndex).Cursor()
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			c, err := credByID(tx, k[len(prefix):])
			if err != nil {
				return err
			}
			if c == nil {
				s.logger.Warn("dangling credential index entry", "key", string(k))
				continue
			}
			found = append(found, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return found, nil
}

// Upsert implements authnz.TokenStore.
func (s *Store) Upsert(ctx context.Context, c *authnz.DelegatedCredential) error {
	const op = "bolt.(Store).Upsert"
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if c == nil {
		return fmt.Errorf("%s: credential is nil: %w", op, authnz.ErrNilParameter)
	}
	id := c.ID
	if id == "" {
		var err error
		if id, err = newID(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		old, err := credByID(tx, []byte(id))
		if err != nil {
			return err
		}
		switch {
		case old == nil && c.ID != "":
			return fmt.Errorf("credential %q: %w", c.ID, ErrNotFound)
		case old != nil:
			if err := unindex(tx, old); err != nil {
				return err
			}
		}
		stored := *c
		stored.ID = id
		if err := putJSON(tx.Bucket(credsBucket), []byte(id), &stored); err != nil {
			return err
		}
		return index(tx, &stored)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	c.ID = id
	return nil
}

// Delete implements authnz.TokenStore.  Deleting a missing credential is not
// an error.
func (s *Store) Delete(ctx context.Context, c *authnz.DelegatedCredential) error {
	const op = "bolt.(Store).Delete"
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if c == nil {
		return fmt.Errorf("%s: credential is nil: %w", op, authnz.ErrNilParameter)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		old, err := credByID(tx, []byte(c.ID))
		if err != nil || old == nil {
			return err
		}
		if err := unindex(tx, old); err != nil {
			return err
		}
		return tx.Bucket(credsBucket).Delete([]byte(c.ID))
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func index(tx *bbolt.Tx, c *authnz.DelegatedCredential) error {
	if err := tx.Bucket(subjectIndex).Put(joinKey(c.Provider, c.Subject), []byte(c.ID)); err != nil {
		return err
	}
	return tx.Bucket(userCredsIndex).Put(joinKey(c.UserID, c.ID), []byte(c.ID))
}

func unindex(tx *bbolt.Tx, c *authnz.DelegatedCredential) error {
	bySubject := tx.Bucket(subjectIndex)
	key := joinKey(c.Provider, c.Subject)
	if bytes.Equal(bySubject.Get(key), []byte(c.ID)) {
		if err := bySubject.Delete(key); err != nil {
			return err
		}
	}
	return tx.Bucket(userCredsIndex).Delete(joinKey(c.UserID, c.ID))
}
