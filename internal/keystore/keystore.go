package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"overlay-chat/internal/crypto"
)

const (
	keyBucket  = "keys"
	metaBucket = "meta"

	serverIDKey = "server_id"
	keyBits     = 2048
)

// Store persists this node's identity across restarts: its server id and RSA
// keypair. Directory state is deliberately not persisted; only key material
// lives here. An optional passphrase box encrypts private keys at rest.
type Store struct {
	db  *bbolt.DB
	box *crypto.Box
}

func Open(path, passphrase string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	box, err := crypto.NewBox(passphrase)
	if err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{keyBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, box: box}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ServerID returns the stored node identity, minting and persisting a fresh
// UUIDv4 on first use.
func (s *Store) ServerID() (string, error) {
	var id string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(metaBucket))
		if existing := bucket.Get([]byte(serverIDKey)); len(existing) > 0 {
			id = string(existing)
			return nil
		}
		id = uuid.NewString()
		return bucket.Put([]byte(serverIDKey), []byte(id))
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// EnsureKey loads the keypair stored for id, generating and persisting one if
// none exists yet.
func (s *Store) EnsureKey(id string) (*rsa.PrivateKey, error) {
	if key, err := s.load(id); err != nil {
		return nil, err
	} else if key != nil {
		return key, nil
	}
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	if err := s.save(id, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Store) load(id string) (*rsa.PrivateKey, error) {
	var sealed []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket([]byte(keyBucket)).Get([]byte(id)); data != nil {
			sealed = append([]byte(nil), data...)
		}
		return nil
	})
	if err != nil || sealed == nil {
		return nil, err
	}
	pemBytes, err := s.box.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("unseal key for %s: %w", id, err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("stored key is not PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse stored key for %s: %w", id, err)
	}
	return key, nil
}

func (s *Store) save(id string, key *rsa.PrivateKey) error {
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	sealed, err := s.box.Seal(pemBytes)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(keyBucket)).Put([]byte(id), sealed)
	})
}
