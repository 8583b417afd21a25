// Package keystore persists the engine's own long-term key material and
// per-user shared secrets in a local bbolt database, generalizing the
// teacher's internal/server/usermanager/localmanager.go (which keeps its
// user database in a bolt.DB bucketed by UID). This is distinct from the
// out-of-scope external user-management relational store named in
// spec.md §1: it holds only what the Auth Engine itself needs to run the
// handshake (the handler's own signing/sealing keys, and each user's HMAC
// secret), not billing or account lifecycle data.
package keystore

import (
	"encoding/base64"
	"errors"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketKeys  = []byte("keys")
	bucketUsers = []byte("users")

	keyX25519Private  = []byte("x25519_private")
	keyX25519Public   = []byte("x25519_public")
	keyEd25519Private = []byte("ed25519_private")
	keyEd25519Public  = []byte("ed25519_public")
)

var ErrNotFound = errors.New("keystore: not found")

// Store wraps a bbolt database file.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures the
// top-level buckets exist, following the teacher's MakeLocalManager
// pattern of opening once at process start.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketKeys); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketUsers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// LongTermKeys is the handler's own dual keypair: X25519 for hybrid
// sealing, Ed25519 for token/rotation signatures.
type LongTermKeys struct {
	X25519Private  [32]byte
	X25519Public   [32]byte
	Ed25519Private []byte
	Ed25519Public  []byte
}

// SaveLongTermKeys persists klt, overwriting any previous value.
func (s *Store) SaveLongTermKeys(klt LongTermKeys) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		if err := b.Put(keyX25519Private, klt.X25519Private[:]); err != nil {
			return err
		}
		if err := b.Put(keyX25519Public, klt.X25519Public[:]); err != nil {
			return err
		}
		if err := b.Put(keyEd25519Private, klt.Ed25519Private); err != nil {
			return err
		}
		return b.Put(keyEd25519Public, klt.Ed25519Public)
	})
}

// LoadLongTermKeys returns ErrNotFound if no key material has been saved
// yet, which the handler answers by generating and saving a fresh keypair
// (bootstrapLongTermKeys) rather than exiting.
func (s *Store) LoadLongTermKeys() (*LongTermKeys, error) {
	klt := &LongTermKeys{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		xpriv := b.Get(keyX25519Private)
		if xpriv == nil {
			return ErrNotFound
		}
		copy(klt.X25519Private[:], xpriv)
		copy(klt.X25519Public[:], b.Get(keyX25519Public))
		klt.Ed25519Private = append([]byte(nil), b.Get(keyEd25519Private)...)
		klt.Ed25519Public = append([]byte(nil), b.Get(keyEd25519Public)...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return klt, nil
}

// SaveUserSecret stores the HMAC secret shared with a user, keyed by
// base64-encoded UID the way the teacher buckets its per-UID bolt data.
func (s *Store) SaveUserSecret(uid, secret []byte) error {
	key := base64.StdEncoding.EncodeToString(uid)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).Put([]byte(key), secret)
	})
}

// UserSecret returns the HMAC secret for uid, or ErrNotFound.
func (s *Store) UserSecret(uid []byte) ([]byte, error) {
	key := base64.StdEncoding.EncodeToString(uid)
	var secret []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUsers).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		secret = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return secret, nil
}

// DeleteUser removes a user's secret, used by the operator surface's user
// delete mutation.
func (s *Store) DeleteUser(uid []byte) error {
	key := base64.StdEncoding.EncodeToString(uid)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).Delete([]byte(key))
	})
}
