package mitm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/sunbk201/reqhdr/internal/config"
)

const caCommonName = "reqhdr Generated Root CA"

// CA signs the leaf certificates presented to clients whose CONNECT tunnels
// are intercepted.
type CA struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
}

// LoadCA returns the CA configured in cfg. ca-p12 is either base64 PKCS#12
// data or a path to a PKCS#12 file. Without one, an ephemeral CA is
// generated and must be exported for clients to trust it.
func LoadCA(cfg config.MitMConfig) (*CA, error) {
	if cfg.CAP12 == "" {
		slog.Warn("No MitM CA configured, generating an ephemeral one")
		return GenerateCA()
	}

	data := strings.TrimSpace(cfg.CAP12)
	if raw, err := os.ReadFile(data); err == nil {
		ca, err := decodeP12(raw, cfg.CAPassphrase)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", data, err)
		}
		return ca, nil
	}
	return DecodeP12(data, cfg.CAPassphrase)
}

func GenerateCA() (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   caCommonName,
			Organization: []string{"reqhdr"},
		},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	return &CA{Certificate: cert, PrivateKey: key}, nil
}

// DecodeP12 decodes base64 PKCS#12 data.
func DecodeP12(p12Base64, passphrase string) (*CA, error) {
	p12Data, err := base64.StdEncoding.DecodeString(p12Base64)
	if err != nil {
		return nil, fmt.Errorf("failed to base64-decode PKCS#12: %w", err)
	}
	return decodeP12(p12Data, passphrase)
}

func decodeP12(p12Data []byte, passphrase string) (*CA, error) {
	privateKey, cert, err := pkcs12.Decode(p12Data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12: %w", err)
	}
	signer, ok := privateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("PKCS#12 private key does not implement crypto.Signer")
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("PKCS#12 certificate %q is not a CA", cert.Subject.CommonName)
	}
	return &CA{Certificate: cert, PrivateKey: signer}, nil
}

// EncodeP12 encodes the CA into base64 PKCS#12.
func (ca *CA) EncodeP12(passphrase string) (string, error) {
	p12Data, err := pkcs12.Modern.Encode(ca.PrivateKey, ca.Certificate, nil, passphrase)
	if err != nil {
		return "", fmt.Errorf("failed to encode PKCS#12: %w", err)
	}
	return base64.StdEncoding.EncodeToString(p12Data), nil
}

func (ca *CA) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: ca.Certificate.Raw,
	})
}

// CertPool trusts only this CA. Probe clients use it to accept intercepted
// tunnels.
func (ca *CA) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.Certificate)
	return pool
}
