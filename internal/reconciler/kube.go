package reconciler

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/watch"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// KubeSource lists and watches objects through a controller-runtime client
// talking directly to the API server.
type KubeSource[T client.Object] struct {
	Client client.WithWatch
	// NewList returns an empty list of the watched kind, e.g.
	// &corev1.ServiceList{}.
	NewList func() client.ObjectList
	// Selector restricts the objects; nil selects everything.
	Selector labels.Selector
	// Namespace restricts the objects; empty means all namespaces.
	Namespace string
}

func (s *KubeSource[T]) options() []client.ListOption {
	var opts []client.ListOption
	if s.Selector != nil {
		opts = append(opts, client.MatchingLabelsSelector{Selector: s.Selector})
	}
	if s.Namespace != "" {
		opts = append(opts, client.InNamespace(s.Namespace))
	}
	return opts
}

// List implements Source.
func (s *KubeSource[T]) List(ctx context.Context) ([]T, string, error) {
	list := s.NewList()
	if err := s.Client.List(ctx, list, s.options()...); err != nil {
		return nil, "", err
	}

	items, err := meta.ExtractList(list)
	if err != nil {
		return nil, "", fmt.Errorf("extracting list items: %w", err)
	}

	objs := make([]T, 0, len(items))
	for _, item := range items {
		obj, ok := item.(T)
		if !ok {
			return nil, "", fmt.Errorf("unexpected list item %T", item)
		}
		objs = append(objs, obj)
	}
	return objs, list.GetResourceVersion(), nil
}

// Watch implements Source.
func (s *KubeSource[T]) Watch(ctx context.Context, resourceVersion string) (watch.Interface, error) {
	opts := append(s.options(), &client.ListOptions{
		Raw: &metav1.ListOptions{
			ResourceVersion:     resourceVersion,
			AllowWatchBookmarks: true,
		},
	})
	return s.Client.Watch(ctx, s.NewList(), opts...)
}
