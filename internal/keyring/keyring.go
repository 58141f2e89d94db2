package keyring

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
)

var ErrUnknownKey = errors.New("no public key for identity")

// Keyring holds the public keys this node has learned: peer servers from the
// bootstrap handshake and announces, users from USER_ADVERTISE gossip.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey
}

func New() *Keyring {
	return &Keyring{keys: make(map[string]*rsa.PublicKey)}
}

func (k *Keyring) Add(id string, pub *rsa.PublicKey) {
	if id == "" || pub == nil {
		return
	}
	k.mu.Lock()
	k.keys[id] = pub
	k.mu.Unlock()
}

// AddPEM parses and stores a PEM-encoded key for id.
func (k *Keyring) AddPEM(id, pemKey string) error {
	pub, err := ParsePublicKey(pemKey)
	if err != nil {
		return err
	}
	k.Add(id, pub)
	return nil
}

func (k *Keyring) Get(id string) (*rsa.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[id]
	return pub, ok
}

func (k *Keyring) Remove(id string) {
	k.mu.Lock()
	delete(k.keys, id)
	k.mu.Unlock()
}

// EncodePublicKey renders pub as a PEM PKIX block for transport in payloads.
func EncodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encode public key: %w", err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return string(block), nil
}

// ParsePublicKey reads a PEM PKIX RSA public key.
func ParsePublicKey(pemKey string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return pub, nil
}
