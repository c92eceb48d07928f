// Package certtrust implements on-demand TLS trust augmentation: when a
// handshake fails verification because an intermediate is missing, it
// probes the leaf certificate's Authority Information Access extension,
// fetches and normalizes the issuer certificates it names, and builds a
// per-host CA bundle that layers them on top of the system trust store.
package certtrust

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.mozilla.org/pkcs7"

	"github.com/ddoxey/polite-crawler/internal/crawlerr"
)

const (
	positiveTTL = 24 * time.Hour
	negativeTTL = 10 * time.Minute
	cacheCap    = 4096
)

type cacheEntry struct {
	urls    []string
	expires time.Time
}

func (e cacheEntry) fresh(now time.Time) bool { return now.Before(e.expires) }

// Manager augments TLS trust for hosts whose certificate chains are
// incomplete, by fetching missing intermediates named in the leaf's AIA
// extension.
type Manager struct {
	pemDir     string
	baseCAPath string
	httpClient *http.Client

	mu             sync.Mutex
	aiaByHost      map[string]cacheEntry
	aiaByFp        map[string]cacheEntry
	issuerPemCache map[string]string
	bundlePathHost map[string]string
}

// New constructs a Manager. pemDir holds persisted issuer PEMs and
// rebuilt per-host bundles; it is created lazily on first write.
// baseCAPath names the system CA bundle to layer new issuers on top of.
func New(pemDir, baseCAPath string) *Manager {
	return &Manager{
		pemDir:         pemDir,
		baseCAPath:     baseCAPath,
		httpClient:     &http.Client{Timeout: 8 * time.Second},
		aiaByHost:      make(map[string]cacheEntry),
		aiaByFp:        make(map[string]cacheEntry),
		issuerPemCache: make(map[string]string),
		bundlePathHost: make(map[string]string),
	}
}

// ProbeLeafCertificate dials host:port with certificate verification
// disabled and returns the leaf certificate the server presents. Used
// only to read the AIA extension, never to trust the connection.
func (m *Manager) ProbeLeafCertificate(ctx context.Context, hostport string) (*x509.Certificate, error) {
	dialer := &net.Dialer{Timeout: 4 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", hostport, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		return nil, fmt.Errorf("certtrust: probe dial %s: %w", hostport, err)
	}
	defer conn.Close()

	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("certtrust: no peer certificates from %s", hostport)
	}
	return state.PeerCertificates[0], nil
}

// ExtractAIAURLs returns the leaf certificate's CA Issuers URLs for
// host, using a per-instance cache keyed by both host and leaf
// fingerprint. An empty, non-error result is cached negatively.
func (m *Manager) ExtractAIAURLs(ctx context.Context, hostport string) []string {
	now := time.Now()
	host := hostOnly(hostport)

	m.mu.Lock()
	if entry, ok := m.aiaByHost[host]; ok && entry.fresh(now) {
		urls := entry.urls
		m.mu.Unlock()
		return urls
	}
	m.mu.Unlock()

	leaf, err := m.ProbeLeafCertificate(ctx, hostport)
	if err != nil {
		return nil
	}
	fp := leafFingerprint(leaf)

	m.mu.Lock()
	if entry, ok := m.aiaByFp[fp]; ok && entry.fresh(now) {
		m.aiaByHost[host] = entry
		m.mu.Unlock()
		return entry.urls
	}
	m.mu.Unlock()

	urls := leaf.IssuingCertificateURL
	entry := cacheEntry{urls: urls}
	if len(urls) == 0 {
		entry.expires = now.Add(negativeTTL)
	} else {
		entry.expires = now.Add(positiveTTL)
	}

	m.mu.Lock()
	m.aiaByFp[fp] = entry
	m.aiaByHost[host] = entry
	if len(m.aiaByFp) > cacheCap {
		m.aiaByFp = make(map[string]cacheEntry)
	}
	if len(m.aiaByHost) > cacheCap {
		m.aiaByHost = make(map[string]cacheEntry)
	}
	m.mu.Unlock()

	return urls
}

func leafFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

func hostOnly(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

// fetchAndNormalize retrieves issuerURL and returns it as PEM. ldap://
// URLs are not supported and are rejected. DER responses (the common
// case for AIA CA Issuers) are converted to PEM; PEM responses pass
// through unchanged.
func (m *Manager) fetchAndNormalize(ctx context.Context, issuerURL string) (string, error) {
	if strings.HasPrefix(issuerURL, "ldap://") {
		return "", fmt.Errorf("%w: ldap AIA urls are not supported", crawlerr.ErrAIAFetchFailed)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuerURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", crawlerr.ErrAIAFetchFailed, err)
	}
	req.Header.Set("Accept", "application/pkix-cert, application/pkcs7-mime, application/x-x509-ca-cert, */*")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: fetch %s: %v", crawlerr.ErrAIAFetchFailed, issuerURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: fetch %s: status %d", crawlerr.ErrAIAFetchFailed, issuerURL, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", crawlerr.ErrAIAFetchFailed, issuerURL, err)
	}
	pemText, err := ensurePEM(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", crawlerr.ErrAIAPemUnparseable, issuerURL, err)
	}
	return pemText, nil
}

// ensurePEM accepts a PEM-encoded certificate, a raw DER certificate, or
// a PKCS#7/CMS "certs only" envelope (the common AIA response shape,
// typically served as .p7c) and always returns PEM, concatenating every
// certificate found in a PKCS#7 envelope.
func ensurePEM(raw []byte) (string, error) {
	if block, _ := pem.Decode(raw); block != nil {
		return string(raw), nil
	}
	if cert, err := x509.ParseCertificate(raw); err == nil {
		block := &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}
		return string(pem.EncodeToMemory(block)), nil
	}
	p7, err := pkcs7.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("certtrust: not a recognizable PEM, DER, or PKCS#7 certificate: %w", err)
	}
	if len(p7.Certificates) == 0 {
		return "", errors.New("certtrust: pkcs7 envelope carried no certificates")
	}
	var out strings.Builder
	for _, cert := range p7.Certificates {
		block := &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}
		out.Write(pem.EncodeToMemory(block))
	}
	return out.String(), nil
}

// issuerCN extracts the issuer certificate's own subject common name,
// used as the dedup key for persisted issuer PEMs.
func issuerCN(pemText string) (string, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return "", errors.New("certtrust: no PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("certtrust: parse issuer certificate: %w", err)
	}
	if cert.Subject.CommonName == "" {
		return "", errors.New("certtrust: issuer certificate has no common name")
	}
	return cert.Subject.CommonName, nil
}

// AugmentWithIntermediates attempts to recover a failed TLS verification
// for hostport by discovering AIA-named issuers, fetching and persisting
// any not already known, and rebuilding the per-host bundle. It returns
// a *tls.Config with RootCAs set to the augmented bundle, or an error if
// no augmentation was possible.
func (m *Manager) AugmentWithIntermediates(ctx context.Context, hostport string) (*tls.Config, error) {
	host := hostOnly(hostport)

	aia := m.ExtractAIAURLs(ctx, hostport)
	if len(aia) == 0 {
		return nil, fmt.Errorf("%w: %s", crawlerr.ErrAIADiscoveryEmpty, host)
	}

	var newCount int
	for _, issuerURL := range aia {
		pemText, err := m.fetchAndNormalize(ctx, issuerURL)
		if err != nil {
			continue
		}
		cn, err := issuerCN(pemText)
		if err != nil {
			continue
		}

		m.mu.Lock()
		_, already := m.issuerPemCache[cn]
		if !already {
			m.issuerPemCache[cn] = pemText
		}
		m.mu.Unlock()

		if already {
			continue
		}
		if err := m.persistPem(host, cn, pemText); err != nil {
			continue
		}
		newCount++
	}

	if newCount == 0 {
		return nil, fmt.Errorf("certtrust: %s: no new issuers recovered", host)
	}

	pool, err := m.rebuildHostBundle(host)
	if err != nil {
		return nil, fmt.Errorf("certtrust: %s: %w", host, err)
	}
	return &tls.Config{RootCAs: pool}, nil
}

func (m *Manager) persistPem(host, cn, pemText string) error {
	if m.pemDir == "" {
		return errors.New("certtrust: no pem dir configured")
	}
	if err := os.MkdirAll(m.pemDir, 0o755); err != nil {
		return fmt.Errorf("create pem dir: %w", err)
	}
	name := sanitizeFilenamePart(host) + "__" + sanitizeFilenamePart(cn) + ".pem"
	path := filepath.Join(m.pemDir, name)
	return os.WriteFile(path, []byte(pemText), 0o644)
}

// sanitizeFilenamePart keeps [A-Za-z0-9._-], replacing everything else
// with '_', per spec.md §4.5's pem-filename sanitization rule.
func sanitizeFilenamePart(s string) string {
	return filenameUnsafe.ReplaceAllString(s, "_")
}

var filenameUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// rebuildHostBundle concatenates the system CA bundle with every
// persisted issuer PEM matching "<host>__*.pem" and returns the
// resulting pool, caching the on-disk bundle path for ApplyHostBundle.
func (m *Manager) rebuildHostBundle(host string) (*x509.CertPool, error) {
	if m.pemDir == "" || m.baseCAPath == "" {
		return nil, errors.New("pem dir or base ca path not configured")
	}
	base, err := os.ReadFile(m.baseCAPath)
	if err != nil {
		return nil, fmt.Errorf("read base ca bundle: %w", err)
	}

	var combined strings.Builder
	combined.Write(base)
	if combined.Len() == 0 || combined.String()[combined.Len()-1] != '\n' {
		combined.WriteByte('\n')
	}

	prefix := sanitizeFilenamePart(host) + "__"
	entries, err := os.ReadDir(m.pemDir)
	if err != nil {
		return nil, fmt.Errorf("read pem dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".pem") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(m.pemDir, name))
		if err != nil {
			continue
		}
		combined.Write(content)
		if combined.String()[combined.Len()-1] != '\n' {
			combined.WriteByte('\n')
		}
	}

	bundleDir := filepath.Join(m.pemDir, "bundles")
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle dir: %w", err)
	}
	bundlePath := filepath.Join(bundleDir, sanitizeFilenamePart(host)+".bundle.pem")
	if err := os.WriteFile(bundlePath, []byte(combined.String()), 0o644); err != nil {
		return nil, fmt.Errorf("write host bundle: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(combined.String())) {
		return nil, errors.New("no certificates parsed from rebuilt bundle")
	}

	m.mu.Lock()
	m.bundlePathHost[host] = bundlePath
	m.mu.Unlock()

	return pool, nil
}

// ApplyHostBundle returns a *tls.Config using a previously rebuilt
// per-host bundle, or an error if one hasn't been built yet for host.
func (m *Manager) ApplyHostBundle(host string) (*tls.Config, error) {
	m.mu.Lock()
	path, ok := m.bundlePathHost[host]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("certtrust: no bundle built for %s", host)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("certtrust: read host bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(content) {
		return nil, fmt.Errorf("certtrust: no certificates parsed from %s", path)
	}
	return &tls.Config{RootCAs: pool}, nil
}
