// Package x509signer signs certificates in process with crypto/x509.
package x509signer

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/yuriy-kovalchuk/yk-nsd/internal/ca"
)

func init() {
	ca.Register("x509", func(log logr.Logger, settings map[string]string) (ca.Signer, error) {
		return New(log, settings)
	})
}

const minBits = 1024

// Signer implements ca.Signer with RSA keys.
type Signer struct {
	rootBits int
	leafBits int
	log      logr.Logger
	now      func() time.Time
}

// New creates an x509 signer from the given settings map.
// Optional settings: root_bits (default 4096), leaf_bits (default 2048).
func New(log logr.Logger, settings map[string]string) (*Signer, error) {
	rootBits, err := bits(settings, "root_bits", 4096)
	if err != nil {
		return nil, err
	}
	leafBits, err := bits(settings, "leaf_bits", 2048)
	if err != nil {
		return nil, err
	}
	return &Signer{
		rootBits: rootBits,
		leafBits: leafBits,
		log:      log,
		now:      time.Now,
	}, nil
}

func bits(settings map[string]string, key string, def int) (int, error) {
	v := settings[key]
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("x509: invalid %s %q: %w", key, v, err)
	}
	if n < minBits {
		return 0, fmt.Errorf("x509: %s must be at least %d, got %d", key, minBits, n)
	}
	return n, nil
}

// CreateRoot implements ca.Signer.
func (s *Signer) CreateRoot(_ context.Context, req ca.RootRequest) error {
	subject, err := ca.ParseSubject(req.Subject)
	if err != nil {
		return err
	}
	key, err := rsa.GenerateKey(rand.Reader, s.rootBits)
	if err != nil {
		return fmt.Errorf("x509: generating root key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return err
	}

	now := s.now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              now.Add(req.Validity),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("x509: creating root certificate: %w", err)
	}
	if err := writeKey(req.KeyPath, key); err != nil {
		return err
	}
	return writePEM(req.CertPath, "CERTIFICATE", der, 0o644)
}

// CreateRequest implements ca.Signer.
func (s *Signer) CreateRequest(_ context.Context, req ca.CSRRequest) error {
	subject, err := ca.ParseSubject(req.Subject)
	if err != nil {
		return err
	}
	key, err := rsa.GenerateKey(rand.Reader, s.leafBits)
	if err != nil {
		return fmt.Errorf("x509: generating leaf key: %w", err)
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  subject,
		DNSNames: req.DNSNames,
	}, key)
	if err != nil {
		return fmt.Errorf("x509: creating request: %w", err)
	}
	if err := writeKey(req.KeyPath, key); err != nil {
		return err
	}
	return writePEM(req.CSRPath, "CERTIFICATE REQUEST", der, 0o644)
}

// Sign implements ca.Signer.
func (s *Signer) Sign(_ context.Context, req ca.SignRequest) error {
	csrDER, err := readPEM(req.CSRPath, "CERTIFICATE REQUEST")
	if err != nil {
		return err
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return fmt.Errorf("x509: parsing %s: %w", req.CSRPath, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return fmt.Errorf("x509: %s: %w", req.CSRPath, err)
	}

	caDER, err := readPEM(req.CACertPath, "CERTIFICATE")
	if err != nil {
		return err
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return fmt.Errorf("x509: parsing %s: %w", req.CACertPath, err)
	}
	caKey, err := readKey(req.CAKeyPath)
	if err != nil {
		return err
	}

	serial, err := serialNumber()
	if err != nil {
		return err
	}
	now := s.now().UTC()
	notAfter := now.Add(req.Validity)
	if caCert.NotAfter.Before(notAfter) {
		notAfter = caCert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		NotBefore:             now,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:              req.DNSNames,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, csr.PublicKey, caKey)
	if err != nil {
		return fmt.Errorf("x509: signing %s: %w", req.CSRPath, err)
	}
	s.log.V(1).Info("signed certificate", "subject", csr.Subject.String(), "notAfter", notAfter)
	return writePEM(req.CertPath, "CERTIFICATE", der, 0o644)
}

func serialNumber() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("x509: generating serial number: %w", err)
	}
	return serial, nil
}

func writeKey(path string, key *rsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("x509: encoding key: %w", err)
	}
	return writePEM(path, "PRIVATE KEY", der, 0o600)
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("x509: writing %s: %w", path, err)
	}
	return nil
}

func readPEM(path, blockType string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("x509: reading %s: %w", path, err)
	}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("x509: no %s block in %s", blockType, path)
		}
		if block.Type == blockType {
			return block.Bytes, nil
		}
	}
}

// readKey accepts PKCS#8 and PKCS#1 keys, so that a root created by another
// signer can still be used.
func readKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("x509: reading %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("x509: no PEM data in %s", path)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("x509: parsing %s: %w", path, err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("x509: parsing %s: %w", path, err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("x509: %s holds an unusable %T", path, key)
		}
		return signer, nil
	}
	return nil, errors.New("x509: unsupported key type " + block.Type + " in " + path)
}
