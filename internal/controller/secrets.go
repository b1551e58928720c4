package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/yuriy-kovalchuk/yk-nsd/internal/ca"
	"github.com/yuriy-kovalchuk/yk-nsd/internal/metrics"
	"github.com/yuriy-kovalchuk/yk-nsd/internal/reconciler"
)

// CertIssuer hands out the current certificate for a name.
type CertIssuer interface {
	GetCert(ctx context.Context, name string) (*ca.Cert, error)
}

// SecretPusher writes issued certificates into secrets.
type SecretPusher struct {
	Client client.Client
	CA     CertIssuer
	Log    logr.Logger
}

type patchOp struct {
	Op    string            `json:"op"`
	Path  string            `json:"path"`
	Value map[string][]byte `json:"value"`
}

// Push obtains the certificate for certName and overwrites the data of the
// secret namespace/secretName with exactly its certificate and key.
func (p *SecretPusher) Push(ctx context.Context, namespace, secretName, certName string) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.SecretPushes.WithLabelValues(result).Inc()
	}()

	cert, err := p.CA.GetCert(ctx, certName)
	if err != nil {
		return fmt.Errorf("getting certificate %s: %w", certName, err)
	}

	// "add" on an existing member replaces it, and also works on secrets
	// created without any data.
	patch, err := json.Marshal([]patchOp{{
		Op:   "add",
		Path: "/data",
		Value: map[string][]byte{
			ca.CertFile: cert.Certificate,
			ca.KeyFile:  cert.PrivateKey,
		},
	}})
	if err != nil {
		return fmt.Errorf("encoding secret patch: %w", err)
	}

	p.Log.Info("AUDIT: adding certificate to secret", "certificate", certName, "secret", namespace+"/"+secretName)
	secret := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: secretName, Namespace: namespace}}
	err = retry.OnError(retry.DefaultBackoff, transient, func() error {
		return p.Client.Patch(ctx, secret, client.RawPatch(types.JSONPatchType, patch))
	})
	if err != nil {
		return fmt.Errorf("patching secret %s/%s: %w", namespace, secretName, err)
	}
	return nil
}

func transient(err error) bool {
	return apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsServiceUnavailable(err)
}

// SecretReconciler fills labelled secrets with certificates as they appear.
type SecretReconciler struct {
	Pusher *SecretPusher
	Log    logr.Logger
}

var _ reconciler.Handler[*corev1.Secret] = &SecretReconciler{}

// CertName returns the certificate a secret asks for, if any. Names are
// lowercased like OwnerName so both paths share one certificate.
func CertName(secret *corev1.Secret) (string, bool) {
	if name, ok := secret.Labels[NameLabel]; ok {
		if name == "" || name == "default" {
			name = secret.Name
		}
		return strings.ToLower(name + "." + secret.Namespace), true
	}
	if abs, ok := secret.Labels[AbsNameLabel]; ok && abs != "" {
		return strings.ToLower(abs), true
	}
	return "", false
}

// Sync pushes certificates into every listed secret that asks for one. A
// failing secret does not stop the others.
func (r *SecretReconciler) Sync(ctx context.Context, secrets []*corev1.Secret) error {
	for _, s := range secrets {
		if err := r.Apply(ctx, s, reconciler.Listed); err != nil {
			r.Log.Error(err, "unable to fill secret", "secret", client.ObjectKeyFromObject(s))
		}
	}
	return nil
}

// Apply only acts on newly created secrets; later modifications include
// our own patches.
func (r *SecretReconciler) Apply(ctx context.Context, secret *corev1.Secret, event reconciler.EventType) error {
	if !event.Created() {
		return nil
	}
	name, ok := CertName(secret)
	if !ok {
		return nil
	}
	return r.Pusher.Push(ctx, secret.Namespace, secret.Name, name)
}
