package mitm

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCertCacheSize = 1024

// CertManager issues leaf certificates signed by the CA, one per
// intercepted host, and keeps the most recently used ones.
type CertManager struct {
	ca    *CA
	cache *lru.Cache[string, *tls.Certificate]
}

func NewCertManager(ca *CA) *CertManager {
	cache, _ := lru.New[string, *tls.Certificate](defaultCertCacheSize)
	return &CertManager{ca: ca, cache: cache}
}

// GetCertificate satisfies tls.Config.GetCertificate.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		host = "localhost"
	}
	return cm.GetCertificateForHost(host)
}

// GetCertificateForHost returns the leaf for host. A port suffix is ignored.
func (cm *CertManager) GetCertificateForHost(host string) (*tls.Certificate, error) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if cached, ok := cm.cache.Get(host); ok {
		return cached, nil
	}

	cert, err := cm.generateCert(host)
	if err != nil {
		return nil, err
	}
	if existing, ok, _ := cm.cache.PeekOrAdd(host, cert); ok {
		return existing, nil
	}
	return cert, nil
}

// TLSConfig is the server side configuration presented to a client whose
// tunnel to host is intercepted.
func (cm *CertManager) TLSConfig(host string) (*tls.Config, error) {
	cert, err := cm.GetCertificateForHost(host)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		NextProtos:   []string{"http/1.1"},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (cm *CertManager) generateCert(host string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate leaf key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{"reqhdr MitM"},
		},
		NotBefore:   time.Now().Add(-1 * time.Hour),
		NotAfter:    time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, cm.ca.Certificate, &key.PublicKey, cm.ca.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create leaf certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER, cm.ca.Certificate.Raw},
		PrivateKey:  key,
	}, nil
}
