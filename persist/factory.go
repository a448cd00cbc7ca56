package persist

import (
	"context"
	"encoding/json"
	"fmt"

	"southwinds.dev/teamvault"
)

// StoreType names a storage backend.
type StoreType string

const (
	StoreTypeMemory     StoreType = "memory"
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeBadger     StoreType = "badger"
	StoreTypeS3         StoreType = "s3"
)

// StoreConfig selects and configures a backend. Config keys depend on the
// type: filesystem and badger take "path", s3 takes the S3Config fields.
type StoreConfig struct {
	Type   StoreType              `json:"type"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// NewStore builds a backend from configuration.
func NewStore(ctx context.Context, config StoreConfig) (teamvault.Store, error) {
	switch config.Type {
	case StoreTypeMemory:
		return NewMemoryStore(), nil

	case StoreTypeFileSystem:
		path, ok := config.Config["path"].(string)
		if !ok || path == "" {
			return nil, fmt.Errorf("filesystem store requires 'path' in config")
		}
		return NewFileSystemStore(path)

	case StoreTypeBadger:
		path, ok := config.Config["path"].(string)
		if !ok || path == "" {
			return nil, fmt.Errorf("badger store requires 'path' in config")
		}
		return NewBadgerStore(path)

	case StoreTypeS3:
		var s3cfg S3Config
		// Round-trip through JSON to map the loose config onto the struct.
		data, err := json.Marshal(config.Config)
		if err != nil {
			return nil, fmt.Errorf("invalid s3 store config: %w", err)
		}
		if err = json.Unmarshal(data, &s3cfg); err != nil {
			return nil, fmt.Errorf("invalid s3 store config: %w", err)
		}
		return NewS3Store(ctx, s3cfg)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
