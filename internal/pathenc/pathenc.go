// Package pathenc turns workspace-relative paths into opaque tokens that can
// be sent to the remote index and turned back into paths with the same key.
//
// Each path segment is encrypted on its own with a synthetic nonce derived
// from the segment, so equal segments always produce equal tokens and a
// directory's encoding is a prefix of its children's encodings.
package pathenc

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of a path key in bytes.
const KeySize = 32

// Root is the relative path (and encoding) of the workspace root.
const Root = "."

const (
	subkeyInfo = "codeindex path-siv v1"
	nonceSize  = chacha20poly1305.NonceSize
)

var (
	// ErrInvalidKey is returned for keys that are not KeySize bytes.
	ErrInvalidKey = errors.New("path key must be 32 bytes")

	errAuth = errors.New("token does not authenticate")
)

// DecodeError reports an encoded path that this key cannot decode.
type DecodeError struct {
	Token string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode path token %q: %v", e.Token, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Scheme encodes and decodes paths under one key. It is safe for concurrent use.
type Scheme struct {
	macKey []byte
	aead   cipher.AEAD
}

// NewScheme derives the encoding subkeys from pathKey.
func NewScheme(pathKey []byte) (*Scheme, error) {
	if len(pathKey) != KeySize {
		return nil, ErrInvalidKey
	}
	material := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.New(sha256.New, pathKey, nil, []byte(subkeyInfo)), material); err != nil {
		return nil, fmt.Errorf("derive path subkeys: %w", err)
	}
	aead, err := chacha20poly1305.New(material[32:])
	if err != nil {
		return nil, err
	}
	return &Scheme{macKey: material[:32], aead: aead}, nil
}

// Encode returns the token for a workspace-relative path. "" and "." both
// encode to ".".
func (s *Scheme) Encode(rel string) string {
	clean := Clean(rel)
	if clean == Root {
		return Root
	}
	segments := strings.Split(clean, "/")
	for i, segment := range segments {
		segments[i] = s.encodeSegment(segment)
	}
	return strings.Join(segments, "/")
}

// Decode inverts Encode. Tokens produced under another key fail with a
// *DecodeError.
func (s *Scheme) Decode(encoded string) (string, error) {
	trimmed := strings.TrimPrefix(encoded, "./")
	if trimmed == "" || trimmed == Root {
		return Root, nil
	}
	tokens := strings.Split(trimmed, "/")
	segments := make([]string, len(tokens))
	for i, token := range tokens {
		segment, err := s.decodeSegment(token)
		if err != nil {
			return "", &DecodeError{Token: encoded, Err: err}
		}
		segments[i] = segment
	}
	return strings.Join(segments, "/"), nil
}

func (s *Scheme) encodeSegment(segment string) string {
	nonce := s.syntheticNonce(segment)
	sealed := s.aead.Seal(nonce, nonce, []byte(segment), nil)
	return base64.RawURLEncoding.EncodeToString(sealed)
}

func (s *Scheme) decodeSegment(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", err
	}
	if len(raw) < nonceSize+s.aead.Overhead() {
		return "", errors.New("token too short")
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plain, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errAuth
	}
	if !hmac.Equal(nonce, s.syntheticNonce(string(plain))) {
		return "", errAuth
	}
	return string(plain), nil
}

func (s *Scheme) syntheticNonce(segment string) []byte {
	mac := hmac.New(sha256.New, s.macKey)
	mac.Write([]byte(segment))
	return mac.Sum(nil)[:nonceSize]
}

// Clean normalizes a relative path to slash-separated form with no leading
// "./". The root is ".".
func Clean(rel string) string {
	rel = strings.ReplaceAll(rel, "\\", "/")
	if rel == "" {
		return Root
	}
	clean := path.Clean(rel)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" {
		return Root
	}
	return clean
}

// GenerateKey returns a fresh random path key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate path key: %w", err)
	}
	return key, nil
}

// FormatKey renders a key for storage.
func FormatKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// ParseKey reads a key written by FormatKey.
func ParseKey(value string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("parse path key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// KeyFingerprint identifies a key without revealing it.
func KeyFingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}
