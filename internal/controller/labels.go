package controller

import (
	"k8s.io/apimachinery/pkg/labels"
)

// Labels understood on cluster objects.
const (
	labelPrefix = "nsd.yk"

	// NameLabel overrides the owner-name of a Service or Gateway. On a Secret
	// it requests a certificate for "<value>.<namespace>"; the values "" and
	// "default" stand for the secret's own name.
	NameLabel = labelPrefix + "/name"
	// AbsNameLabel requests a certificate for the value verbatim.
	AbsNameLabel = labelPrefix + "/absname"
	// SecretLabel names a secret in the object's namespace that receives
	// the certificate for the object's owner-name.
	SecretLabel = labelPrefix + "/secret"
	// DNSLabel must be set to DNSLabelValue on config maps that declare
	// records.
	DNSLabel      = labelPrefix + "/dns"
	DNSLabelValue = "dns"
	// SuffixLabel replaces the ".<namespace>" suffix of names declared in a
	// config map. Only honoured in privileged namespaces.
	SuffixLabel = labelPrefix + "/suffix"
)

// EntriesKey is the config map data key holding declared records.
const EntriesKey = "entries"

// ConfigMapSelector selects the config maps that declare records.
func ConfigMapSelector() labels.Selector {
	return labels.SelectorFromSet(labels.Set{DNSLabel: DNSLabelValue})
}
