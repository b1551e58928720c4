package openssl

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/yuriy-kovalchuk/yk-nsd/internal/ca"
)

func requireOpenSSL(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("openssl"); err != nil {
		t.Skip("openssl not installed")
	}
}

func TestNew_MissingBinary(t *testing.T) {
	_, err := New(logr.Discard(), map[string]string{"binary": "/nonexistent/openssl"})
	if err == nil {
		t.Fatal("expected error for missing binary, got nil")
	}
}

func TestNew_InvalidBits(t *testing.T) {
	requireOpenSSL(t)
	_, err := New(logr.Discard(), map[string]string{"leaf_bits": "many"})
	if err == nil {
		t.Fatal("expected error for invalid leaf_bits, got nil")
	}
}

func TestDays(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{60 * 24 * time.Hour, "60"},
		{3 * 365 * 24 * time.Hour, "1095"},
		{25 * time.Hour, "2"},
		{time.Minute, "1"},
		{0, "1"},
	}
	for _, tt := range tests {
		if got := days(tt.in); got != tt.want {
			t.Errorf("days(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestSubjectAltName(t *testing.T) {
	got := subjectAltName([]string{"web.cluster.local", "web"})
	if want := "DNS:web.cluster.local,DNS:web"; got != want {
		t.Errorf("subjectAltName = %q, want %q", got, want)
	}
}

func TestIssue(t *testing.T) {
	requireOpenSSL(t)

	s, err := New(logr.Discard(), map[string]string{"root_bits": "2048", "leaf_bits": "2048"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, err := ca.New(context.Background(), ca.Options{
		DataDir:       t.TempDir(),
		SubjectPrefix: "/O=Home",
		CommonName:    "Root",
		Domains:       []string{"cluster.local", ""},
		Signer:        s,
		Log:           logr.Discard(),
	})
	if err != nil {
		t.Fatalf("ca.New: %v", err)
	}

	c, err := a.GetCert(context.Background(), "web.default")
	if err != nil {
		t.Fatalf("GetCert: %v", err)
	}
	if _, err := os.Stat(filepath.Join(c.Dir, ExtFile)); !os.IsNotExist(err) {
		t.Errorf("%s left behind after signing", ExtFile)
	}

	block, _ := pem.Decode(c.Certificate)
	if block == nil {
		t.Fatal("no PEM block in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	if want := []string{"web.default.cluster.local", "web.default"}; !slices.Equal(cert.DNSNames, want) {
		t.Errorf("DNSNames = %v, want %v", cert.DNSNames, want)
	}
	if cert.Subject.CommonName != "web.default.cluster.local" {
		t.Errorf("CommonName = %q", cert.Subject.CommonName)
	}
}
