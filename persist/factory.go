package persist

import "fmt"

// NewStore creates the backend named by the config.
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		return NewFileSystemStoreFromConfig(config)
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypePebble:
		return NewPebbleStoreFromConfig(config)
	case StoreTypeS3:
		return NewS3StoreFromConfig(config)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
