// Package ca is a small file-backed certificate authority. It owns one root
// key pair and issues leaf certificates per name, reusing an issued leaf for
// as long as it is fresh.
//
// Layout under <datadir>/ca:
//
//	public/cacert.pem          root certificate (0755 directory)
//	private/cakey.pem          root key (0700 directory)
//	apps/<name>/cert.pem       leaf certificate; its mtime is the issuance time
//	apps/<name>/key.pem        leaf key
//	apps/<name>/cert.csr       leaf request
package ca

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/yuriy-kovalchuk/yk-nsd/internal/metrics"
)

const (
	CACertFile = "cacert.pem"
	CAKeyFile  = "cakey.pem"
	CertFile   = "cert.pem"
	CSRFile    = "cert.csr"
	KeyFile    = "key.pem"
)

const (
	DefaultFreshness    = 30 * 24 * time.Hour
	DefaultLeafValidity = 60 * 24 * time.Hour
	DefaultRootValidity = 3 * 365 * 24 * time.Hour
)

// Options configures an Authority.
type Options struct {
	DataDir string
	// SubjectPrefix is prepended to "/CN=<name>" for every subject.
	SubjectPrefix string
	CommonName    string
	// Domains are the suffixes every leaf is valid under. An empty suffix
	// stands for the bare name.
	Domains []string

	Freshness    time.Duration
	LeafValidity time.Duration
	RootValidity time.Duration

	Signer Signer
	Log    logr.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Cert is an issued leaf certificate and its key, both PEM encoded.
type Cert struct {
	Name        string
	Dir         string
	Issued      time.Time
	Certificate []byte
	PrivateKey  []byte
}

// Authority issues and caches leaf certificates.
type Authority struct {
	opts   Options
	base   string
	cacert string
	cakey  string

	mu    sync.Mutex
	locks map[string]*nameLock
}

// nameLock is dropped from Authority.locks once nobody holds or waits on it.
type nameLock struct {
	sync.Mutex
	refs int
}

// New prepares the directory layout and creates the root key pair when none
// exists yet.
func New(ctx context.Context, opts Options) (*Authority, error) {
	if opts.DataDir == "" {
		return nil, errors.New("ca: data directory is required")
	}
	if len(opts.Domains) == 0 {
		return nil, errors.New("ca: at least one domain is required")
	}
	if opts.Signer == nil {
		return nil, errors.New("ca: signer is required")
	}
	if opts.Freshness <= 0 {
		opts.Freshness = DefaultFreshness
	}
	if opts.LeafValidity <= 0 {
		opts.LeafValidity = DefaultLeafValidity
	}
	if opts.RootValidity <= 0 {
		opts.RootValidity = DefaultRootValidity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	base, err := filepath.Abs(filepath.Join(opts.DataDir, "ca"))
	if err != nil {
		return nil, fmt.Errorf("ca: resolving data directory: %w", err)
	}

	for dir, perm := range map[string]fs.FileMode{
		"public":  0o755,
		"private": 0o700,
		"apps":    0o700,
	} {
		p := filepath.Join(base, dir)
		if err := os.MkdirAll(p, perm); err != nil {
			return nil, fmt.Errorf("ca: creating %s: %w", p, err)
		}
		if err := os.Chmod(p, perm); err != nil {
			return nil, fmt.Errorf("ca: setting permissions on %s: %w", p, err)
		}
	}

	a := &Authority{
		opts:   opts,
		base:   base,
		cacert: filepath.Join(base, "public", CACertFile),
		cakey:  filepath.Join(base, "private", CAKeyFile),
		locks:  map[string]*nameLock{},
	}

	if _, err := os.Stat(a.cacert); errors.Is(err, fs.ErrNotExist) {
		opts.Log.Info("AUDIT: creating root certificate", "subject", a.subject(opts.CommonName))
		err := opts.Signer.CreateRoot(ctx, RootRequest{
			Subject:  a.subject(opts.CommonName),
			Validity: opts.RootValidity,
			CertPath: a.cacert,
			KeyPath:  a.cakey,
		})
		if err != nil {
			return nil, fmt.Errorf("ca: creating root certificate: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("ca: checking root certificate: %w", err)
	}

	return a, nil
}

// RootCertificatePath returns the path of the root certificate.
func (a *Authority) RootCertificatePath() string {
	return a.cacert
}

// Names returns the DNS names a leaf for name is valid for, one per
// configured domain. The first is the subject common name.
func (a *Authority) Names(name string) []string {
	names := make([]string, 0, len(a.opts.Domains))
	for _, d := range a.opts.Domains {
		if d == "" {
			names = append(names, name)
		} else {
			names = append(names, name+"."+d)
		}
	}
	return names
}

// GetCert returns the leaf for name, issuing a new one when none exists or
// the existing one is older than the freshness window.
func (a *Authority) GetCert(ctx context.Context, name string) (*Cert, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	unlock := a.lock(name)
	defer unlock()

	cert, err := a.load(name)
	switch {
	case err == nil && a.opts.Now().Before(cert.Issued.Add(a.opts.Freshness)):
		return cert, nil
	case err == nil:
		a.opts.Log.Info("certificate is stale, reissuing", "name", name, "issued", cert.Issued)
	case !errors.Is(err, fs.ErrNotExist):
		a.opts.Log.Info("existing certificate unusable, reissuing", "name", name, "reason", err.Error())
	}

	return a.makeCert(ctx, name)
}

// MakeCert unconditionally issues a new leaf for name, replacing any
// previous one.
func (a *Authority) MakeCert(ctx context.Context, name string) (*Cert, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	unlock := a.lock(name)
	defer unlock()
	return a.makeCert(ctx, name)
}

func (a *Authority) makeCert(ctx context.Context, name string) (*Cert, error) {
	dir := a.dir(name)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("ca: removing %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ca: creating %s: %w", dir, err)
	}

	names := a.Names(name)
	err := a.opts.Signer.CreateRequest(ctx, CSRRequest{
		Subject:  a.subject(names[0]),
		DNSNames: names,
		KeyPath:  filepath.Join(dir, KeyFile),
		CSRPath:  filepath.Join(dir, CSRFile),
	})
	if err != nil {
		return nil, fmt.Errorf("ca: creating request for %s: %w", name, err)
	}

	err = a.opts.Signer.Sign(ctx, SignRequest{
		CSRPath:    filepath.Join(dir, CSRFile),
		CertPath:   filepath.Join(dir, CertFile),
		DNSNames:   names,
		Validity:   a.opts.LeafValidity,
		CACertPath: a.cacert,
		CAKeyPath:  a.cakey,
	})
	if err != nil {
		return nil, fmt.Errorf("ca: signing %s: %w", name, err)
	}

	cert, err := a.load(name)
	if err != nil {
		return nil, fmt.Errorf("ca: reading issued certificate for %s: %w", name, err)
	}
	metrics.CertificatesIssued.Inc()
	a.opts.Log.Info("AUDIT: issued certificate", "name", name, "dnsNames", names)
	return cert, nil
}

func (a *Authority) load(name string) (*Cert, error) {
	dir := a.dir(name)
	info, err := os.Stat(filepath.Join(dir, CertFile))
	if err != nil {
		return nil, err
	}
	certPEM, err := os.ReadFile(filepath.Join(dir, CertFile))
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, KeyFile))
	if err != nil {
		return nil, err
	}
	return &Cert{
		Name:        name,
		Dir:         dir,
		Issued:      info.ModTime(),
		Certificate: certPEM,
		PrivateKey:  keyPEM,
	}, nil
}

func (a *Authority) dir(name string) string {
	return filepath.Join(a.base, "apps", name)
}

func (a *Authority) subject(cn string) string {
	return a.opts.SubjectPrefix + "/CN=" + cn
}

// lock serializes issuance per name so that two consumers asking for the
// same stale certificate get one reissue between them.
func (a *Authority) lock(name string) func() {
	a.mu.Lock()
	l, ok := a.locks[name]
	if !ok {
		l = &nameLock{}
		a.locks[name] = l
	}
	l.refs++
	a.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		a.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(a.locks, name)
		}
		a.mu.Unlock()
	}
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("ca: invalid certificate name %q", name)
	}
	return nil
}
