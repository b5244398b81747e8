// contact.go - Router contact s11n and verification.
// Copyright (C) 2025  The nyxnet authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package contact provides router identities and the signed router contact
// (RC) descriptor format.
package contact

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/nyxnet/nyxnet/core/crypto"
)

const (
	// ContactVersion is the descriptor format version tag.
	ContactVersion = "v0"

	// Lifetime is how long a router contact stays valid past its
	// timestamp.
	Lifetime = 1 * time.Hour

	// ClockSkew is the tolerated amount a contact timestamp may sit in
	// the future.
	ClockSkew = 5 * time.Minute

	// MaxContactSize bounds a serialized contact, both on the wire and
	// on disk.
	MaxContactSize = 1024

	// RouterIDSize is the size of a router identity in bytes.
	RouterIDSize = 32
)

var (
	// ErrMalformed is returned when a contact fails to parse or fails
	// type and length checks.
	ErrMalformed = errors.New("contact: malformed")

	// ErrBadSignature is returned when signature verification fails.
	ErrBadSignature = errors.New("contact: bad signature")

	// ErrExpired is returned when a contact is past its expiry.
	ErrExpired = errors.New("contact: expired")

	// ErrBogon is returned when a contact advertises a non-routable
	// address and policy forbids such addresses.
	ErrBogon = errors.New("contact: bogon address")

	ccbor cbor.EncMode
)

// RouterID is the 32 byte public key naming a relay.  Ordering is over the
// raw bytes, equality is bytewise.
type RouterID [RouterIDSize]byte

// RouterIDFromBytes constructs a RouterID from a 32 byte slice.
func RouterIDFromBytes(b []byte) (RouterID, error) {
	var id RouterID
	if len(b) != RouterIDSize {
		return id, ErrMalformed
	}
	copy(id[:], b)
	return id, nil
}

// Bytes returns the raw identity bytes.
func (id RouterID) Bytes() []byte {
	return id[:]
}

// IsZero returns true iff the identity is unset.
func (id RouterID) IsZero() bool {
	return id == RouterID{}
}

// Less provides the canonical ordering over identities.
func (id RouterID) Less(other RouterID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// String returns a short printable form of the identity.
func (id RouterID) String() string {
	return hex.EncodeToString(id[:8])
}

// ParseOptions alters the validation applied by Parse.
type ParseOptions struct {
	// AllowExpired skips the expiry check, for bootstrap contacts.
	AllowExpired bool

	// AllowBogon skips the routable address check, for testnets.
	AllowBogon bool
}

// RouterContact is the immutable signed descriptor of one relay.  The
// signature covers the canonical serialization of every field except the
// signature slot itself.
type RouterContact struct {
	// PublicKey is the relay's Ed25519 identity key (the RouterID).
	PublicKey []byte `cbor:"pk"`

	// EncryptionKey is the relay's static X25519 key, used by path
	// builds to derive per-hop session keys.
	EncryptionKey []byte `cbor:"ek"`

	// Address is the relay's dialable network address.
	Address string `cbor:"a"`

	// Timestamp is when the contact was created, in Unix seconds.
	// A stored contact is superseded only by one with a strictly
	// later timestamp.
	Timestamp int64 `cbor:"t"`

	// Version is the descriptor format version tag.
	Version string `cbor:"v"`

	// Signature is the Ed25519 signature under PublicKey.
	Signature []byte `cbor:"sig"`
}

// New creates a signed router contact for the given identity.
func New(identity *ed25519.PrivateKey, encryptionKey nike.PublicKey, address string) (*RouterContact, error) {
	rc := &RouterContact{
		PublicKey:     identity.PublicKey().Bytes(),
		EncryptionKey: encryptionKey.Bytes(),
		Address:       address,
		Timestamp:     time.Now().Unix(),
		Version:       ContactVersion,
	}
	if err := rc.Sign(identity); err != nil {
		return nil, err
	}
	return rc, nil
}

// RouterID returns the identity the contact describes.
func (rc *RouterContact) RouterID() RouterID {
	var id RouterID
	copy(id[:], rc.PublicKey)
	return id
}

// EncryptionPublicKey deserializes the contact's static X25519 key.
func (rc *RouterContact) EncryptionPublicKey() (nike.PublicKey, error) {
	pk, err := crypto.DHScheme.UnmarshalBinaryPublicKey(rc.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: encryption key: %v", ErrMalformed, err)
	}
	return pk, nil
}

// Expiry returns the time past which the contact is stale.
func (rc *RouterContact) Expiry() time.Time {
	return time.Unix(rc.Timestamp, 0).Add(Lifetime)
}

// IsExpired returns true iff the contact is past its expiry at now.
func (rc *RouterContact) IsExpired(now time.Time) bool {
	return now.After(rc.Expiry())
}

// IsNewerThan returns true iff the contact supersedes other.
func (rc *RouterContact) IsNewerThan(other *RouterContact) bool {
	return rc.Timestamp > other.Timestamp
}

// Equal compares two contacts bytewise across every field.
func (rc *RouterContact) Equal(other *RouterContact) bool {
	return bytes.Equal(rc.PublicKey, other.PublicKey) &&
		bytes.Equal(rc.EncryptionKey, other.EncryptionKey) &&
		rc.Address == other.Address &&
		rc.Timestamp == other.Timestamp &&
		rc.Version == other.Version &&
		bytes.Equal(rc.Signature, other.Signature)
}

func (rc *RouterContact) signingBytes() ([]byte, error) {
	unsigned := *rc
	unsigned.Signature = nil
	return ccbor.Marshal(&unsigned)
}

// Sign stamps the contact with a fresh signature under identity.
func (rc *RouterContact) Sign(identity *ed25519.PrivateKey) error {
	if rc.Signature != nil {
		return errors.New("contact: already signed")
	}
	blob, err := rc.signingBytes()
	if err != nil {
		return err
	}
	rc.Signature = crypto.Sign(identity, blob)
	return nil
}

// Verify checks the signature and structural invariants.  Expiry is the
// caller's concern; see Parse.
func (rc *RouterContact) Verify(now time.Time) error {
	if len(rc.PublicKey) != RouterIDSize {
		return fmt.Errorf("%w: identity key length %d", ErrMalformed, len(rc.PublicKey))
	}
	if len(rc.EncryptionKey) != crypto.DHScheme.PublicKeySize() {
		return fmt.Errorf("%w: encryption key length %d", ErrMalformed, len(rc.EncryptionKey))
	}
	if rc.Address == "" {
		return fmt.Errorf("%w: no address", ErrMalformed)
	}
	if rc.Version != ContactVersion {
		return fmt.Errorf("%w: version '%v'", ErrMalformed, rc.Version)
	}
	if time.Unix(rc.Timestamp, 0).After(now.Add(ClockSkew)) {
		return fmt.Errorf("%w: timestamp in the future", ErrMalformed)
	}

	pk := new(ed25519.PublicKey)
	if err := pk.FromBytes(rc.PublicKey); err != nil {
		return fmt.Errorf("%w: identity key: %v", ErrMalformed, err)
	}
	blob, err := rc.signingBytes()
	if err != nil {
		return err
	}
	if !crypto.Verify(pk, blob, rc.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Serialize returns the canonical deterministic encoding of the contact.
func (rc *RouterContact) Serialize() ([]byte, error) {
	return ccbor.Marshal(rc)
}

// Parse deserializes and fully validates a router contact.
func Parse(b []byte) (*RouterContact, error) {
	return ParseWithOptions(b, ParseOptions{})
}

// ParseWithOptions deserializes a router contact, applying the validation
// relaxations in opts.
func ParseWithOptions(b []byte, opts ParseOptions) (*RouterContact, error) {
	if len(b) > MaxContactSize {
		return nil, fmt.Errorf("%w: oversized (%d bytes)", ErrMalformed, len(b))
	}

	rc := new(RouterContact)
	if err := cbor.Unmarshal(b, rc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	now := time.Now()
	if err := rc.Verify(now); err != nil {
		return nil, err
	}
	if !opts.AllowExpired && rc.IsExpired(now) {
		return nil, ErrExpired
	}
	if !opts.AllowBogon {
		if err := CheckAddress(rc.Address); err != nil {
			return nil, err
		}
	}
	return rc, nil
}

// String returns a terse loggable form of the contact.
func (rc *RouterContact) String() string {
	return fmt.Sprintf("{%s %s t=%d}", rc.RouterID(), rc.Address, rc.Timestamp)
}

func init() {
	var err error
	ccbor, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}
