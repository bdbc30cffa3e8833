// Package credential mints and opens the opaque scannable payloads bound to a
// pass and a generation.
package credential

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gofrs/uuid/v5"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/and161185/hostel-outpass/internal/codec"
	"github.com/and161185/hostel-outpass/internal/errs"
)

// Params
const (
	SecretLen = 32
	nonceLen  = 16

	prefix  = "OP1."
	keyInfo = "outpass credential v1"
)

var b64 = base64.RawURLEncoding

// Claims are the values recovered from an authentic payload.
type Claims struct {
	PassID     uuid.UUID
	Generation int64
}

// body is the sealed plaintext. Integer keys keep it compact for QR codes.
type body struct {
	PassID     []byte `cbor:"1,keyasint"`
	Generation int64  `cbor:"2,keyasint"`
	Nonce      []byte `cbor:"3,keyasint"`
}

// Issuer seals credential bodies with XChaCha20-Poly1305 under a key derived
// from a master secret. It holds no mutable state and is safe for
// concurrent use.
type Issuer struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewIssuer derives the sealing key from secret via HKDF-SHA256. random
// supplies nonces and the per-credential random component; nil means
// crypto/rand.
func NewIssuer(secret []byte, random io.Reader) (*Issuer, error) {
	if len(secret) < SecretLen {
		return nil, fmt.Errorf("credential secret must be at least %d bytes", SecretLen)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if random == nil {
		random = rand.Reader
	}
	return &Issuer{aead: aead, rand: random}, nil
}

// Mint produces an unguessable payload encoding (passID, generation).
func (i *Issuer) Mint(passID uuid.UUID, generation int64) (string, error) {
	b := body{PassID: passID.Bytes(), Generation: generation, Nonce: make([]byte, nonceLen)}
	if _, err := io.ReadFull(i.rand, b.Nonce); err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrIssuanceUnavailable, err)
	}
	pt, err := codec.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrIssuanceUnavailable, err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(i.rand, nonce); err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrIssuanceUnavailable, err)
	}
	out := make([]byte, 0, len(nonce)+len(pt)+i.aead.Overhead())
	out = append(out, nonce...)
	out = i.aead.Seal(out, nonce, pt, []byte(prefix))
	return prefix + b64.EncodeToString(out), nil
}

// Parse opens a payload. Anything that was not minted by this issuer
// reports errs.ErrNotFound.
func (i *Issuer) Parse(payload string) (Claims, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(payload), prefix)
	if !ok {
		return Claims{}, fmt.Errorf("credential: bad prefix: %w", errs.ErrNotFound)
	}
	sealed, err := b64.DecodeString(raw)
	if err != nil {
		return Claims{}, fmt.Errorf("credential: decode: %w", errs.ErrNotFound)
	}
	if len(sealed) < chacha20poly1305.NonceSizeX+i.aead.Overhead() {
		return Claims{}, fmt.Errorf("credential: too short: %w", errs.ErrNotFound)
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	pt, err := i.aead.Open(nil, nonce, ct, []byte(prefix))
	if err != nil {
		return Claims{}, fmt.Errorf("credential: open: %w", errs.ErrNotFound)
	}
	var b body
	if err := codec.Unmarshal(pt, &b); err != nil {
		return Claims{}, fmt.Errorf("credential: body: %w", errs.ErrNotFound)
	}
	id, err := uuid.FromBytes(b.PassID)
	if err != nil || b.Generation < 0 {
		return Claims{}, errors.Join(errs.ErrNotFound, err)
	}
	return Claims{PassID: id, Generation: b.Generation}, nil
}

// Fingerprint is a short, non-reversible handle for a payload, safe to log.
func Fingerprint(payload string) string {
	sum := blake3.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:8])
}
