// creds.go - Link TLS credentials and identity pinning.
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

package link

import (
	stded "crypto/ed25519"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/nyxnet/nyxnet/core/contact"
)

// ALPN tags advertised during the link handshake; they distinguish relay
// peers (long lived, gossiped to) from client peers (ephemeral).
const (
	alpnRelay  = "nyxnet-relay"
	alpnClient = "nyxnet-client"
)

// errRIDMismatch indicates the peer's certified key did not match the
// expected router identity.  It aborts the handshake before any user
// data, and surfaces to the caller as a BadSignature close reason.
var errRIDMismatch = errors.New("link: peer identity does not match pinned router id")

// selfSignedCert wraps the node identity key in a throwaway X.509
// certificate.  Authentication is by raw public key comparison, not by
// chain; the certificate is a container the TLS stack demands.
func selfSignedCert(identity *ed25519.PrivateKey) (tls.Certificate, error) {
	sk := *identity.InternalPtr()
	pk := sk.Public().(stded.PublicKey)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pk, sk)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  sk,
	}, nil
}

// peerIdentity extracts the router identity from the peer's leaf
// certificate public key.
func peerIdentity(rawCert []byte) (contact.RouterID, error) {
	var id contact.RouterID
	cert, err := x509.ParseCertificate(rawCert)
	if err != nil {
		return id, fmt.Errorf("link: peer certificate: %v", err)
	}
	pk, ok := cert.PublicKey.(stded.PublicKey)
	if !ok {
		return id, errors.New("link: peer certificate key is not ed25519")
	}
	return contact.RouterIDFromBytes(pk)
}

// pinnedVerifier returns a TLS certificate verification hook that asserts
// the peer's certified key equals expected.
func pinnedVerifier(expected contact.RouterID) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("link: peer presented no certificate")
		}
		id, err := peerIdentity(rawCerts[0])
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare(id[:], expected[:]) != 1 {
			return errRIDMismatch
		}
		return nil
	}
}

// anyIdentityVerifier accepts any well formed ed25519 certificate; the
// identity is read back out of the connection state after the handshake.
func anyIdentityVerifier() func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("link: peer presented no certificate")
		}
		_, err := peerIdentity(rawCerts[0])
		return err
	}
}

func (m *Manager) serverTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{m.cert},
		ClientAuth:            tls.RequireAnyClientCert,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: anyIdentityVerifier(),
		NextProtos:            []string{alpnRelay, alpnClient},
		MinVersion:            tls.VersionTLS13,
	}
}

func (m *Manager) clientTLSConfig(expected contact.RouterID) *tls.Config {
	proto := alpnClient
	if m.isRelay {
		proto = alpnRelay
	}
	return &tls.Config{
		Certificates:          []tls.Certificate{m.cert},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: pinnedVerifier(expected),
		NextProtos:            []string{proto},
		MinVersion:            tls.VersionTLS13,
	}
}
