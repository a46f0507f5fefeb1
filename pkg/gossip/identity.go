package gossip

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	nomaderrors "nomad/pkg/errors"
)

// alphabet is the z-base-32-style alphabet used to render a peer's Ed25519
// public key as a DNS name, adapted from the teacher's JAMNP-S identity
// scheme (pkg/net/certs.go) onto plain TCP+TLS instead of QUIC.
const alphabet = "abcdefghijklmnopqrstuvwxyz234567"

// PeerName derives the deterministic DNS alt-name a peer's certificate must
// carry from its Ed25519 public key, so a dialer can verify it is talking to
// the peer it intended without a certificate authority (§4.5).
func PeerName(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", nomaderrors.Newf(nomaderrors.Internal, "invalid ed25519 public key size %d", len(pub))
	}
	rev := make([]byte, len(pub))
	for i, b := range pub {
		rev[len(pub)-1-i] = b
	}
	n := new(big.Int).SetBytes(rev)

	name := "n" // "nomad" identity, distinct from the teacher's "e" prefix
	base := big.NewInt(32)
	mod := new(big.Int)
	for i := 0; i < 52; i++ {
		mod.Mod(n, base)
		name += string(alphabet[mod.Int64()])
		n.Div(n, base)
	}
	return name, nil
}

// identity is a node's long-lived Ed25519 key pair and derived TLS material.
type identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	name string
}

func newIdentity(priv ed25519.PrivateKey) (*identity, error) {
	pub := priv.Public().(ed25519.PublicKey)
	name, err := PeerName(pub)
	if err != nil {
		return nil, err
	}
	return &identity{priv: priv, pub: pub, name: name}, nil
}

func (id *identity) tlsConfig() (*tls.Config, error) {
	cert, err := selfSignedCert(id.priv, id.name)
	if err != nil {
		return nil, nomaderrors.Wrap(nomaderrors.Internal, err, "generate self-signed cert")
	}
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		MinVersion:            tls.VersionTLS13,
		ClientAuth:            tls.RequireAnyClientCert,
		InsecureSkipVerify:    true, // no CA: peers are authenticated by VerifyPeerCertificate below
		VerifyPeerCertificate: verifyPeerCertificate,
	}, nil
}

func selfSignedCert(priv ed25519.PrivateKey, name string) (tls.Certificate, error) {
	pub := priv.Public().(ed25519.PublicKey)

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name},
		DNSNames:              []string{name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// verifyPeerCertificate checks the peer's certificate is self-consistent: an
// Ed25519 key whose single DNS name is the name that key derives (§4.5).
func verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("gossip: peer presented no certificate")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("gossip: parse peer certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("gossip: peer certificate is not Ed25519")
	}
	if len(cert.DNSNames) != 1 {
		return fmt.Errorf("gossip: peer certificate must carry exactly one DNS name")
	}
	expected, err := PeerName(pub)
	if err != nil {
		return err
	}
	if cert.DNSNames[0] != expected {
		return fmt.Errorf("gossip: peer name mismatch: got %s, want %s", cert.DNSNames[0], expected)
	}
	return nil
}
