package controller

import (
	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	gatewayv1 "sigs.k8s.io/gateway-api/apis/v1"

	"github.com/yuriy-kovalchuk/yk-nsd/internal/store"
)

const (
	ServiceKind = "Service"
	GatewayKind = "Gateway"
)

// NewServiceReconciler publishes load balancer ingress IPs of services.
func NewServiceReconciler(s *store.Store, pusher *SecretPusher, log logr.Logger) *AddressReconciler[*corev1.Service] {
	return &AddressReconciler[*corev1.Service]{
		Kind:      ServiceKind,
		Addresses: ServiceAddresses,
		Store:     s,
		Pusher:    pusher,
		Log:       log,
	}
}

// ServiceAddresses returns the IPs assigned to a service's load balancer.
// Hostname-only ingress points are skipped.
func ServiceAddresses(svc *corev1.Service) []string {
	var addrs []string
	for _, ing := range svc.Status.LoadBalancer.Ingress {
		if ing.IP != "" {
			addrs = append(addrs, ing.IP)
		}
	}
	return addrs
}

// NewGatewayReconciler publishes the IP addresses in a Gateway's status.
func NewGatewayReconciler(s *store.Store, pusher *SecretPusher, log logr.Logger) *AddressReconciler[*gatewayv1.Gateway] {
	return &AddressReconciler[*gatewayv1.Gateway]{
		Kind:      GatewayKind,
		Addresses: GatewayAddresses,
		Store:     s,
		Pusher:    pusher,
		Log:       log,
	}
}

// GatewayAddresses returns the IP addresses a Gateway reports. Entries of
// type Hostname or of implementation-specific types are skipped.
func GatewayAddresses(gw *gatewayv1.Gateway) []string {
	var addrs []string
	for _, a := range gw.Status.Addresses {
		if a.Type != nil && *a.Type != gatewayv1.IPAddressType {
			continue
		}
		if a.Value != "" {
			addrs = append(addrs, a.Value)
		}
	}
	return addrs
}
