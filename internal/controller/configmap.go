package controller

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"go.yaml.in/yaml/v3"
	corev1 "k8s.io/api/core/v1"

	"github.com/yuriy-kovalchuk/yk-nsd/internal/reconciler"
	"github.com/yuriy-kovalchuk/yk-nsd/internal/store"
)

const ConfigMapKind = "ConfigMap"

// declaredRecords is the document stored under EntriesKey, e.g.
//
//	{"A": {"printer": ["192.168.1.20"], "nas": ["192.168.1.30", "fd00::30"]}}
type declaredRecords struct {
	A map[string][]string `yaml:"A"`
}

// ConfigMapReconciler publishes records declared in labelled config maps.
type ConfigMapReconciler struct {
	Store *store.Store
	// Privileged reports whether a namespace may set SuffixLabel.
	Privileged func(namespace string) bool
	Log        logr.Logger
}

var _ reconciler.Handler[*corev1.ConfigMap] = &ConfigMapReconciler{}

func (r *ConfigMapReconciler) suffix(cm *corev1.ConfigMap) string {
	if r.Privileged != nil && r.Privileged(cm.Namespace) {
		if s, ok := cm.Labels[SuffixLabel]; ok {
			if s == "" {
				return ""
			}
			return "." + s
		}
	}
	return "." + cm.Namespace
}

func (r *ConfigMapReconciler) entry(cm *corev1.ConfigMap) *store.Entry {
	e := &store.Entry{
		Key:     store.Key{Kind: ConfigMapKind, Namespace: cm.Namespace, Name: cm.Name},
		Records: map[string][]string{},
	}

	blob, ok := cm.Data[EntriesKey]
	if !ok {
		return e
	}
	records, err := parseRecords(blob)
	if err != nil {
		r.Log.Error(err, "AUDIT: unable to parse config map", "configMap", cm.Namespace+"/"+cm.Name)
		return e
	}

	suffix := r.suffix(cm)
	for name, addrs := range records.A {
		e.Records[strings.ToLower(name+suffix)] = addrs
	}
	return e
}

func parseRecords(blob string) (*declaredRecords, error) {
	var d declaredRecords
	if err := yaml.Unmarshal([]byte(blob), &d); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", EntriesKey, err)
	}
	for name := range d.A {
		if name == "" {
			return nil, fmt.Errorf("decoding %s: empty record name", EntriesKey)
		}
	}
	return &d, nil
}

// Sync replaces all config map entries with the listed ones.
func (r *ConfigMapReconciler) Sync(_ context.Context, cms []*corev1.ConfigMap) error {
	entries := make([]*store.Entry, 0, len(cms))
	for _, cm := range cms {
		entries = append(entries, r.entry(cm))
	}
	r.Store.Replace(ConfigMapKind, entries)
	return nil
}

// Apply publishes or withdraws one config map.
func (r *ConfigMapReconciler) Apply(_ context.Context, cm *corev1.ConfigMap, event reconciler.EventType) error {
	e := r.entry(cm)
	if event == reconciler.Deleted {
		r.Store.Remove(e.Key)
		return nil
	}
	r.Store.AddReplace(e)
	return nil
}
