package certtrust

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.mozilla.org/pkcs7"
)

func generateSelfSigned(t *testing.T, cn string, aiaURLs []string) (*x509.Certificate, *ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		IssuingCertificateURL: aiaURLs,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert, key, der
}

func TestProbeLeafCertificateCapturesAIAURLs(t *testing.T) {
	aiaURLs := []string{"http://issuer.example/ca.cer"}
	cert, key, der := generateSelfSigned(t, "leaf.example", aiaURLs)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	tlsCert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	server := &tls.Config{Certificates: []tls.Certificate{tlsCert}}

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		tlsConn := tls.Server(conn, server)
		defer tlsConn.Close()
		tlsConn.Handshake()
	}()

	m := New(t.TempDir(), "")
	leaf, err := m.ProbeLeafCertificate(context.Background(), listener.Addr().String())
	if err != nil {
		t.Fatalf("ProbeLeafCertificate: %v", err)
	}
	if leaf.Subject.CommonName != cert.Subject.CommonName {
		t.Fatalf("expected cn %q, got %q", cert.Subject.CommonName, leaf.Subject.CommonName)
	}
	if len(leaf.IssuingCertificateURL) != 1 || leaf.IssuingCertificateURL[0] != aiaURLs[0] {
		t.Fatalf("expected aia urls %v, got %v", aiaURLs, leaf.IssuingCertificateURL)
	}
}

func TestExtractAIAURLsCachesNegativeResult(t *testing.T) {
	cert, key, der := generateSelfSigned(t, "noaia.example", nil)
	_ = cert

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	tlsCert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	server := &tls.Config{Certificates: []tls.Certificate{tlsCert}}

	serve := func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		tlsConn := tls.Server(conn, server)
		defer tlsConn.Close()
		tlsConn.Handshake()
	}
	go serve()

	m := New(t.TempDir(), "")
	urls := m.ExtractAIAURLs(context.Background(), listener.Addr().String())
	if len(urls) != 0 {
		t.Fatalf("expected no AIA urls, got %v", urls)
	}

	host, _, _ := net.SplitHostPort(listener.Addr().String())
	m.mu.Lock()
	entry, ok := m.aiaByHost[host]
	m.mu.Unlock()
	if !ok {
		t.Fatalf("expected negative cache entry for host")
	}
	if entry.expires.Sub(time.Now()) > negativeTTL {
		t.Fatalf("expected negative ttl expiry window")
	}
}

func TestEnsurePEMAcceptsDERAndPEM(t *testing.T) {
	_, _, der := generateSelfSigned(t, "der.example", nil)

	pemOut, err := ensurePEM(der)
	if err != nil {
		t.Fatalf("ensurePEM(der): %v", err)
	}
	block, _ := pem.Decode([]byte(pemOut))
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatalf("expected a CERTIFICATE pem block, got %q", pemOut)
	}

	roundTrip, err := ensurePEM([]byte(pemOut))
	if err != nil {
		t.Fatalf("ensurePEM(pem): %v", err)
	}
	if roundTrip != pemOut {
		t.Fatalf("expected pem passthrough unchanged")
	}
}

func TestEnsurePEMUnpacksPKCS7CertsOnly(t *testing.T) {
	_, _, der := generateSelfSigned(t, "p7c.example", nil)
	envelope, err := pkcs7.DegenerateCertificate(der)
	if err != nil {
		t.Fatalf("build pkcs7 certs-only envelope: %v", err)
	}

	pemOut, err := ensurePEM(envelope)
	if err != nil {
		t.Fatalf("ensurePEM(pkcs7): %v", err)
	}
	block, rest := pem.Decode([]byte(pemOut))
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatalf("expected a CERTIFICATE pem block, got %q", pemOut)
	}
	if len(rest) != 0 {
		t.Fatalf("expected exactly one pem block, got trailing data %q", rest)
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		t.Fatalf("parse unpacked certificate: %v", err)
	}
}

func TestIssuerCNExtraction(t *testing.T) {
	_, _, der := generateSelfSigned(t, "Example Issuing CA", nil)
	pemText, err := ensurePEM(der)
	if err != nil {
		t.Fatalf("ensurePEM: %v", err)
	}
	cn, err := issuerCN(pemText)
	if err != nil {
		t.Fatalf("issuerCN: %v", err)
	}
	if cn != "Example Issuing CA" {
		t.Fatalf("expected cn 'Example Issuing CA', got %q", cn)
	}
}

func TestRebuildHostBundleAppendsPersistedIssuers(t *testing.T) {
	dir := t.TempDir()
	baseCA := filepath.Join(dir, "base.pem")
	_, _, baseDER := generateSelfSigned(t, "Base Root", nil)
	basePem, _ := ensurePEM(baseDER)
	if err := os.WriteFile(baseCA, []byte(basePem), 0o644); err != nil {
		t.Fatalf("write base ca: %v", err)
	}

	pemDir := filepath.Join(dir, "pems")
	m := New(pemDir, baseCA)

	_, _, issuerDER := generateSelfSigned(t, "Issuer One", nil)
	issuerPem, _ := ensurePEM(issuerDER)
	if err := m.persistPem("example.com", "Issuer One", issuerPem); err != nil {
		t.Fatalf("persistPem: %v", err)
	}

	pool, err := m.rebuildHostBundle("example.com")
	if err != nil {
		t.Fatalf("rebuildHostBundle: %v", err)
	}
	if pool == nil {
		t.Fatalf("expected non-nil pool")
	}

	if _, err := m.ApplyHostBundle("example.com"); err != nil {
		t.Fatalf("ApplyHostBundle: %v", err)
	}
	if _, err := m.ApplyHostBundle("other.com"); err == nil {
		t.Fatalf("expected error for host with no rebuilt bundle")
	}
}
