// Package openssl signs certificates by running the openssl command line
// tool.
package openssl

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/yuriy-kovalchuk/yk-nsd/internal/ca"
)

func init() {
	ca.Register("openssl", func(log logr.Logger, settings map[string]string) (ca.Signer, error) {
		return New(log, settings)
	})
}

// ExtFile is the transient extension descriptor written next to the request
// while it is being signed.
const ExtFile = "ext.cnf"

// Signer implements ca.Signer on top of the openssl binary.
type Signer struct {
	binary   string
	rootBits int
	leafBits int
	log      logr.Logger
}

// New creates an openssl signer from the given settings map.
// Optional settings: binary (default "openssl", resolved through PATH),
// root_bits (default 4096), leaf_bits (default 2048).
func New(log logr.Logger, settings map[string]string) (*Signer, error) {
	binary := settings["binary"]
	if binary == "" {
		binary = "openssl"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("openssl: binary %q not found: %w", binary, err)
	}

	s := &Signer{binary: path, rootBits: 4096, leafBits: 2048, log: log}
	for key, dst := range map[string]*int{"root_bits": &s.rootBits, "leaf_bits": &s.leafBits} {
		v := settings[key]
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("openssl: invalid %s %q", key, v)
		}
		*dst = n
	}
	return s, nil
}

// CreateRoot implements ca.Signer.
func (s *Signer) CreateRoot(ctx context.Context, req ca.RootRequest) error {
	if err := s.run(ctx, filepath.Dir(req.CertPath),
		"req", "-new", "-x509", "-newkey", "rsa:"+strconv.Itoa(s.rootBits),
		"-days", days(req.Validity), "-nodes", "-subj", req.Subject,
		"-keyout", req.KeyPath, "-out", req.CertPath,
	); err != nil {
		return err
	}
	return os.Chmod(req.KeyPath, 0o600)
}

// CreateRequest implements ca.Signer.
func (s *Signer) CreateRequest(ctx context.Context, req ca.CSRRequest) error {
	return s.run(ctx, filepath.Dir(req.CSRPath),
		"req", "-new", "-newkey", "rsa:"+strconv.Itoa(s.leafBits), "-nodes",
		"-subj", req.Subject, "-addext", "subjectAltName="+subjectAltName(req.DNSNames),
		"-keyout", req.KeyPath, "-out", req.CSRPath,
	)
}

// Sign implements ca.Signer. The extension descriptor is removed again
// whether or not signing succeeds.
func (s *Signer) Sign(ctx context.Context, req ca.SignRequest) error {
	dir := filepath.Dir(req.CSRPath)
	ext := filepath.Join(dir, ExtFile)
	content := "[EXTENSIONS]\nsubjectAltName = " + subjectAltName(req.DNSNames) + "\n"
	if err := os.WriteFile(ext, []byte(content), 0o600); err != nil {
		return fmt.Errorf("openssl: writing %s: %w", ext, err)
	}
	defer os.Remove(ext)

	return s.run(ctx, dir,
		"x509", "-req", "-in", req.CSRPath, "-days", days(req.Validity),
		"-extfile", ext, "-extensions", "EXTENSIONS",
		"-CA", req.CACertPath, "-CAkey", req.CAKeyPath, "-CAcreateserial",
		"-out", req.CertPath,
	)
}

func (s *Signer) run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, s.binary, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	s.log.V(1).Info("running openssl", "args", args)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("openssl %s: %w: %s", args[0], err, strings.TrimSpace(out.String()))
	}
	return nil
}

func subjectAltName(names []string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = "DNS:" + n
	}
	return strings.Join(parts, ",")
}

// days rounds d up to whole days, the unit openssl understands.
func days(d time.Duration) string {
	n := int64((d + 24*time.Hour - 1) / (24 * time.Hour))
	return strconv.FormatInt(max(n, 1), 10)
}
