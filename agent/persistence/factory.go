package persistence

import (
	"fmt"
)

// NewRunStore creates a RunStore based on the configuration
func NewRunStore(config StoreConfig) (RunStore, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryRunStore(config), nil
	case StoreTypeFile:
		return NewFileRunStore(config)
	case StoreTypeRedis:
		return NewRedisRunStore(config)
	case StoreTypeSQLite:
		return NewSQLiteRunStore(config)
	default:
		return nil, fmt.Errorf("unsupported run store type: %s", config.Type)
	}
}

// MustNewRunStore creates a new RunStore or panics on error.
//
// WARNING: This function should ONLY be used during application initialization.
func MustNewRunStore(config StoreConfig) RunStore {
	store, err := NewRunStore(config)
	if err != nil {
		panic(fmt.Sprintf("failed to create run store: %v", err))
	}
	return store
}
