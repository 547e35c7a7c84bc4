// Package certs generates self-signed ECDSA P-256 certificates for the
// QUIC link. The link is point-to-point between two operator-controlled
// machines, so trust is established by SHA-256 fingerprint pinning rather
// than a certificate authority.
package certs

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"net"
	"time"
)

// ALPN is the application protocol negotiated on the QUIC connection.
const ALPN = "thunderlink-mirror"

const defaultValidity = 30 * 24 * time.Hour

// CertInfo holds a TLS certificate and its SHA-256 fingerprint.
type CertInfo struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintBase64 returns the SHA-256 fingerprint as base64, the form
// operators compare across the two ends of the link.
func (c *CertInfo) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(c.Fingerprint[:])
}

// ServerTLSConfig returns a TLS config presenting this certificate.
func (c *CertInfo) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.TLSCert},
		NextProtos:   []string{ALPN},
	}
}

// Generate creates a new self-signed ECDSA P-256 certificate valid for the
// given duration. A non-positive validity uses the 30-day default.
func Generate(validity time.Duration) (*CertInfo, error) {
	if validity <= 0 {
		validity = defaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-1 * time.Minute) // slight backdate for clock skew
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "mirror"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &CertInfo{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		},
		Fingerprint: sha256.Sum256(certDER),
		NotAfter:    template.NotAfter,
	}, nil
}

// ClientTLSConfig returns a TLS config that accepts exactly the peer
// certificate with the given SHA-256 fingerprint. With a nil fingerprint
// any certificate is accepted, which is acceptable only on a physically
// closed link.
func ClientTLSConfig(expectedFingerprint []byte) *tls.Config {
	cfg := &tls.Config{
		// Verification happens against the pinned fingerprint below; the
		// self-signed peer cert can never chain to a system root.
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
	}
	if len(expectedFingerprint) > 0 {
		want := make([]byte, len(expectedFingerprint))
		copy(want, expectedFingerprint)
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("peer presented no certificate")
			}
			sum := sha256.Sum256(rawCerts[0])
			if !bytes.Equal(sum[:], want) {
				return fmt.Errorf("peer certificate fingerprint mismatch")
			}
			return nil
		}
	}
	return cfg
}
