package ca

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// RootRequest asks for a self-signed root key pair.
type RootRequest struct {
	// Subject is an openssl-style distinguished name, e.g. "/O=Home/CN=Root".
	Subject  string
	Validity time.Duration
	CertPath string
	KeyPath  string
}

// CSRRequest asks for a fresh leaf key and a certificate request for it.
type CSRRequest struct {
	Subject  string
	DNSNames []string
	KeyPath  string
	CSRPath  string
}

// SignRequest asks for the request at CSRPath to be signed by the root. The
// DNSNames are attached as the subjectAltName extension of the result.
type SignRequest struct {
	CSRPath    string
	CertPath   string
	DNSNames   []string
	Validity   time.Duration
	CACertPath string
	CAKeyPath  string
}

// Signer performs the key and certificate operations of the authority. All
// material is exchanged as PEM files.
type Signer interface {
	CreateRoot(ctx context.Context, req RootRequest) error
	CreateRequest(ctx context.Context, req CSRRequest) error
	Sign(ctx context.Context, req SignRequest) error
}

// Factory is a constructor function that signers register to create themselves.
type Factory func(log logr.Logger, settings map[string]string) (Signer, error)

var (
	mu        sync.Mutex
	factories = make(map[string]Factory)
)

// Register is called by signer packages in their init() to self-register.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("ca: signer %q already registered", name))
	}
	factories[name] = f
}

// Signers returns the registered signer names.
func Signers() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// NewSigner looks up the named signer in the registry and creates it.
func NewSigner(name string, log logr.Logger, settings map[string]string) (Signer, error) {
	mu.Lock()
	f, ok := factories[name]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unsupported signer: %q (registered: %v)", name, Signers())
	}
	return f(log, settings)
}
