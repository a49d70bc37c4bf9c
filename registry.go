package gotxn

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ResourceRegistry resolves resource ids recorded in a transaction.
type ResourceRegistry interface {
	Register(resource TransactionalResource) error
	Resources(ctx context.Context, resourceIDs ...string) ([]TransactionalResource, error)
}

type RegistryCenter struct {
	mux       sync.RWMutex
	resources map[string]TransactionalResource
}

func NewRegistryCenter() *RegistryCenter {
	return &RegistryCenter{
		resources: make(map[string]TransactionalResource),
	}
}

func (r *RegistryCenter) Register(resource TransactionalResource) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.resources[resource.ID()]; ok {
		return errors.New("repeat resource id")
	}
	r.resources[resource.ID()] = resource
	return nil
}

func (r *RegistryCenter) Resources(ctx context.Context, resourceIDs ...string) ([]TransactionalResource, error) {
	resources := make([]TransactionalResource, 0, len(resourceIDs))

	r.mux.RLock()
	defer r.mux.RUnlock()

	for _, resourceID := range resourceIDs {
		resource, ok := r.resources[resourceID]
		if !ok {
			return nil, fmt.Errorf("resource id: %s not existed", resourceID)
		}
		resources = append(resources, resource)
	}

	return resources, nil
}
