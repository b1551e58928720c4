package ca_test

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"

	"github.com/yuriy-kovalchuk/yk-nsd/internal/ca"
	"github.com/yuriy-kovalchuk/yk-nsd/internal/ca/x509signer"
)

// countingSigner wraps a real signer and counts leaf signatures.
type countingSigner struct {
	ca.Signer
	signed atomic.Int32
	fail   error
}

func (c *countingSigner) Sign(ctx context.Context, req ca.SignRequest) error {
	if c.fail != nil {
		return c.fail
	}
	c.signed.Add(1)
	return c.Signer.Sign(ctx, req)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newSigner(t *testing.T) *countingSigner {
	t.Helper()
	s, err := x509signer.New(logr.Discard(), map[string]string{"root_bits": "2048", "leaf_bits": "1024"})
	if err != nil {
		t.Fatalf("creating signer: %v", err)
	}
	return &countingSigner{Signer: s}
}

func newAuthority(t *testing.T, dir string, domains []string, s ca.Signer, now func() time.Time) *ca.Authority {
	t.Helper()
	a, err := ca.New(context.Background(), ca.Options{
		DataDir:       dir,
		SubjectPrefix: "/C=US/O=Home",
		CommonName:    "Test Root",
		Domains:       domains,
		Signer:        s,
		Log:           testr.New(t),
		Now:           now,
	})
	if err != nil {
		t.Fatalf("ca.New: %v", err)
	}
	return a
}

func parseCert(t *testing.T, data []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(data)
	if block == nil {
		t.Fatal("no PEM block in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return cert
}

func TestNew_Layout(t *testing.T) {
	dir := t.TempDir()
	newAuthority(t, dir, []string{"cluster.local"}, newSigner(t), nil)

	for sub, want := range map[string]os.FileMode{
		"public":  0o755,
		"private": 0o700,
		"apps":    0o700,
	} {
		info, err := os.Stat(filepath.Join(dir, "ca", sub))
		if err != nil {
			t.Fatalf("stat %s: %v", sub, err)
		}
		if got := info.Mode().Perm(); got != want {
			t.Errorf("%s permissions = %o, want %o", sub, got, want)
		}
	}

	root, err := os.ReadFile(filepath.Join(dir, "ca", "public", ca.CACertFile))
	if err != nil {
		t.Fatalf("reading root: %v", err)
	}
	cert := parseCert(t, root)
	if !cert.IsCA {
		t.Error("root certificate is not a CA")
	}
	if cert.Subject.CommonName != "Test Root" || !slices.Equal(cert.Subject.Organization, []string{"Home"}) {
		t.Errorf("unexpected root subject %s", cert.Subject)
	}
	if _, err := os.Stat(filepath.Join(dir, "ca", "private", ca.CAKeyFile)); err != nil {
		t.Errorf("root key missing: %v", err)
	}
}

func TestNew_KeepsExistingRoot(t *testing.T) {
	dir := t.TempDir()
	s := newSigner(t)
	newAuthority(t, dir, []string{"cluster.local"}, s, nil)
	first, _ := os.ReadFile(filepath.Join(dir, "ca", "public", ca.CACertFile))

	newAuthority(t, dir, []string{"cluster.local"}, s, nil)
	second, _ := os.ReadFile(filepath.Join(dir, "ca", "public", ca.CACertFile))

	if !bytes.Equal(first, second) {
		t.Error("root certificate was recreated")
	}
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts ca.Options
	}{
		{"no datadir", ca.Options{Domains: []string{"a"}, Signer: newSigner(t)}},
		{"no domains", ca.Options{DataDir: t.TempDir(), Signer: newSigner(t)}},
		{"no signer", ca.Options{DataDir: t.TempDir(), Domains: []string{"a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ca.New(context.Background(), tt.opts); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestGetCert_FreshIsReused(t *testing.T) {
	s := newSigner(t)
	a := newAuthority(t, t.TempDir(), []string{"cluster.local"}, s, nil)

	first, err := a.GetCert(context.Background(), "web.default")
	if err != nil {
		t.Fatalf("GetCert: %v", err)
	}
	second, err := a.GetCert(context.Background(), "web.default")
	if err != nil {
		t.Fatalf("GetCert: %v", err)
	}

	if !bytes.Equal(first.Certificate, second.Certificate) || !bytes.Equal(first.PrivateKey, second.PrivateKey) {
		t.Error("fresh certificate was not reused")
	}
	if n := s.signed.Load(); n != 1 {
		t.Errorf("signed %d certificates, want 1", n)
	}
}

func TestGetCert_StaleIsReissued(t *testing.T) {
	clk := &clock{now: time.Now()}
	s := newSigner(t)
	a := newAuthority(t, t.TempDir(), []string{"cluster.local", "home.arpa"}, s, clk.Now)

	first, err := a.GetCert(context.Background(), "web.default")
	if err != nil {
		t.Fatalf("GetCert: %v", err)
	}

	clk.Advance(ca.DefaultFreshness + time.Hour)
	second, err := a.GetCert(context.Background(), "web.default")
	if err != nil {
		t.Fatalf("GetCert: %v", err)
	}

	if bytes.Equal(first.Certificate, second.Certificate) || bytes.Equal(first.PrivateKey, second.PrivateKey) {
		t.Error("stale certificate was not reissued")
	}
	cert := parseCert(t, second.Certificate)
	if want := []string{"web.default.cluster.local", "web.default.home.arpa"}; !slices.Equal(cert.DNSNames, want) {
		t.Errorf("DNSNames = %v, want %v", cert.DNSNames, want)
	}
	if cert.Subject.CommonName != "web.default.cluster.local" {
		t.Errorf("CommonName = %q", cert.Subject.CommonName)
	}
}

func TestMakeCert_SANRoundTrip(t *testing.T) {
	dir := t.TempDir()
	domains := []string{"cluster.local", "", "example.org"}
	a := newAuthority(t, dir, domains, newSigner(t), nil)

	c, err := a.MakeCert(context.Background(), "api")
	if err != nil {
		t.Fatalf("MakeCert: %v", err)
	}
	cert := parseCert(t, c.Certificate)

	want := []string{"api.cluster.local", "api", "api.example.org"}
	if !slices.Equal(cert.DNSNames, want) {
		t.Errorf("DNSNames = %v, want %v", cert.DNSNames, want)
	}
	if !slices.Equal(a.Names("api"), want) {
		t.Errorf("Names = %v, want %v", a.Names("api"), want)
	}

	rootPEM, _ := os.ReadFile(a.RootCertificatePath())
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(rootPEM)
	if _, err := cert.Verify(x509.VerifyOptions{Roots: pool, DNSName: "api.example.org"}); err != nil {
		t.Errorf("leaf does not verify against root: %v", err)
	}

	for _, f := range []string{ca.CertFile, ca.KeyFile, ca.CSRFile} {
		if _, err := os.Stat(filepath.Join(c.Dir, f)); err != nil {
			t.Errorf("%s missing: %v", f, err)
		}
	}
	if c.Dir != filepath.Join(dir, "ca", "apps", "api") {
		t.Errorf("Dir = %q", c.Dir)
	}
}

func TestGetCert_InvalidName(t *testing.T) {
	a := newAuthority(t, t.TempDir(), []string{"cluster.local"}, newSigner(t), nil)
	for _, name := range []string{"", ".", "..", "../etc", "a/b"} {
		if _, err := a.GetCert(context.Background(), name); err == nil {
			t.Errorf("GetCert(%q) succeeded, want error", name)
		}
	}
}

func TestGetCert_SignerFailure(t *testing.T) {
	s := newSigner(t)
	a := newAuthority(t, t.TempDir(), []string{"cluster.local"}, s, nil)

	s.fail = errors.New("signing unavailable")
	if _, err := a.GetCert(context.Background(), "web.default"); !errors.Is(err, s.fail) {
		t.Fatalf("GetCert error = %v, want wrapped signer error", err)
	}
}

func TestGetCert_ConcurrentSameName(t *testing.T) {
	s := newSigner(t)
	a := newAuthority(t, t.TempDir(), []string{"cluster.local"}, s, nil)

	var wg sync.WaitGroup
	certs := make([]*ca.Cert, 8)
	for i := range certs {
		wg.Go(func() {
			c, err := a.GetCert(context.Background(), "shared")
			if err != nil {
				t.Errorf("GetCert: %v", err)
				return
			}
			certs[i] = c
		})
	}
	wg.Wait()

	if n := s.signed.Load(); n != 1 {
		t.Errorf("signed %d certificates, want 1", n)
	}
	for _, c := range certs[1:] {
		if c != nil && certs[0] != nil && !bytes.Equal(c.Certificate, certs[0].Certificate) {
			t.Error("concurrent callers received different certificates")
		}
	}
}

func TestNewSigner_Registry(t *testing.T) {
	if _, err := ca.NewSigner("nope", logr.Discard(), nil); err == nil {
		t.Fatal("expected error for unknown signer, got nil")
	}
	if !slices.Contains(ca.Signers(), "x509") {
		t.Errorf("x509 signer not registered: %v", ca.Signers())
	}
	s, err := ca.NewSigner("x509", logr.Discard(), map[string]string{"leaf_bits": "1024"})
	if err != nil || s == nil {
		t.Fatalf("NewSigner(x509) = %v, %v", s, err)
	}
}
