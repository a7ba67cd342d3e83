// Package certs mints short-lived leaf TLS certificates for intercepted
// hosts, signed by a deployment-owned CA. The egress proxy presents these
// leaves to sandbox workloads during TLS interception; the sandbox trust
// bundle carries the CA certificate.
package certs

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"
)

const (
	// LeafValidity is how long a minted leaf certificate stays valid.
	LeafValidity = 30 * 24 * time.Hour

	// leafCacheSize bounds the leaf cache. The policy caps the domain set,
	// so in practice the cache never evicts.
	leafCacheSize = 256
)

// Authority holds the CA certificate and key and hands out cached leaf
// certificates for individual hosts. Safe for concurrent use; the CA key
// never leaves the process.
type Authority struct {
	caCert *x509.Certificate
	caKey  crypto.Signer
	caPEM  []byte

	// cache is internally synchronized; mu only guards minting so that
	// concurrent requests for one host share a single keygen while other
	// hosts proceed unblocked.
	cache   *lru.Cache[string, *tls.Certificate]
	mu      sync.Mutex
	minting map[string]*mintCall

	now func() time.Time
}

// mintCall is one in-flight leaf mint; waiters block on done and read the
// result fields afterwards.
type mintCall struct {
	done chan struct{}
	leaf *tls.Certificate
	err  error
}

func newAuthority(cert *x509.Certificate, key crypto.Signer) (*Authority, error) {
	cache, err := lru.New[string, *tls.Certificate](leafCacheSize)
	if err != nil {
		return nil, err
	}
	return &Authority{
		caCert:  cert,
		caKey:   key,
		caPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}),
		cache:   cache,
		minting: map[string]*mintCall{},
		now:     time.Now,
	}, nil
}

// NewEphemeral generates a process-lifetime CA. Leaves minted under it are
// only trusted by sandboxes that received this process' CA PEM; after a
// restart every existing trust bundle goes stale.
func NewEphemeral() (*Authority, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}
	serial, err := newSerialNumber()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "fleetd ephemeral CA",
			Organization: []string{"sandbox-fleet"},
		},
		NotBefore:             time.Now().Add(-5 * time.Minute),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	klog.Background().Info("generated an ephemeral CA; credential injection will not federate beyond this process' lifetime")
	return newAuthority(cert, key)
}

// LoadFromFiles loads the CA pair from PEM files.
func LoadFromFiles(certPath, keyPath string) (*Authority, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate %s: %w", certPath, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA key %s: %w", keyPath, err)
	}
	return LoadFromPEM(certPEM, keyPEM)
}

// LoadFromPEM loads an existing CA from PEM-encoded certificate and key.
// PKCS#8, PKCS#1 and EC key encodings are accepted.
func LoadFromPEM(certPEM, keyPEM []byte) (*Authority, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode PEM CA certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("certificate is not a CA")
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM CA key")
	}
	key, err := parsePrivateKey(block)
	if err != nil {
		return nil, err
	}
	return newAuthority(cert, key)
}

func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse CA key: %w", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("CA key of type %T cannot sign", key)
		}
		return signer, nil
	}
}

// CAPEM returns the CA certificate in PEM form for sandbox trust bundles.
func (a *Authority) CAPEM() []byte {
	return a.caPEM
}

// GetOrCreateLeaf returns a server certificate for host, minting one when
// the cache has none or the cached leaf is close to expiry. Concurrent
// callers for the same host share one mint.
func (a *Authority) GetOrCreateLeaf(host string) (*tls.Certificate, error) {
	host = strings.ToLower(host)
	if leaf, ok := a.cache.Get(host); ok && !a.nearExpiry(leaf.Leaf) {
		return leaf, nil
	}

	a.mu.Lock()
	if call, ok := a.minting[host]; ok {
		a.mu.Unlock()
		<-call.done
		return call.leaf, call.err
	}
	call := &mintCall{done: make(chan struct{})}
	a.minting[host] = call
	a.mu.Unlock()

	call.leaf, call.err = a.mintLeaf(host)
	if call.err == nil {
		a.cache.Add(host, call.leaf)
	}
	a.mu.Lock()
	delete(a.minting, host)
	a.mu.Unlock()
	close(call.done)
	return call.leaf, call.err
}

// nearExpiry reports whether less than 10% of the leaf's lifetime remains.
func (a *Authority) nearExpiry(leaf *x509.Certificate) bool {
	lifetime := leaf.NotAfter.Sub(leaf.NotBefore)
	return a.now().After(leaf.NotAfter.Add(-lifetime / 10))
}

func (a *Authority) mintLeaf(host string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate leaf key for %s: %w", host, err)
	}
	serial, err := newSerialNumber()
	if err != nil {
		return nil, err
	}
	now := a.now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(LeafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.caCert, &key.PublicKey, a.caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create leaf certificate for %s: %w", host, err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse leaf certificate for %s: %w", host, err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, a.caCert.Raw},
		PrivateKey:  key,
		Leaf:        parsed,
	}, nil
}

func newSerialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}
