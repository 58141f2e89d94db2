package envelope

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

var pssOpts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

// signingBytes produces the canonical encoding the signature covers. The
// payload is decoded and re-marshalled so key order on the wire does not
// matter: encoding/json writes map keys sorted, which gives both ends the
// same bytes for the same logical content.
func (e *Envelope) signingBytes() ([]byte, error) {
	var payload any
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedFrame, err)
	}
	return json.Marshal(map[string]any{
		"type":    e.Type,
		"from":    e.From,
		"payload": payload,
	})
}

// Sign computes an RSASSA-PSS/SHA-256 signature over the canonical bytes and
// stores it on the envelope, base64url without padding.
func (e *Envelope) Sign(key *rsa.PrivateKey) error {
	msg, err := e.signingBytes()
	if err != nil {
		return err
	}
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], pssOpts)
	if err != nil {
		return fmt.Errorf("sign envelope: %w", err)
	}
	e.Sig = base64.RawURLEncoding.EncodeToString(sig)
	return nil
}

// Verify checks the envelope signature against pub. Any failure, including a
// missing or undecodable signature, reports ErrInvalidSignature so callers
// can drop the frame without inspecting the cause.
func (e *Envelope) Verify(pub *rsa.PublicKey) error {
	if e.Sig == "" {
		return fmt.Errorf("%w: missing sig", ErrInvalidSignature)
	}
	sig, err := base64.RawURLEncoding.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("%w: bad encoding", ErrInvalidSignature)
	}
	msg, err := e.signingBytes()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	digest := sha256.Sum256(msg)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, pssOpts); err != nil {
		return ErrInvalidSignature
	}
	return nil
}
