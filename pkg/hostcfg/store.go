package hostcfg

import (
	"errors"
	"fmt"

	"github.com/andrej220/rexec/pkg/lg"
)

// Store abstracts where an inventory lives.
type Store interface {
	Load(out any) error
	Save(data any) error
}

// Watcher is implemented by stores that can report external changes.
type Watcher interface {
	Watch(onChange func()) error
}

type StoreType int

const (
	FileStoreType StoreType = iota
	MongoStoreType
)

var ErrInvalidStoreType = errors.New("invalid store type")

type FileStoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

type MongoStoreConfig struct {
	URI      string `yaml:"uri" json:"uri"`
	DBName   string `yaml:"dbName" json:"dbName"`
	CollName string `yaml:"collName" json:"collName"`
	ID       string `yaml:"id" json:"id"` // document ID
}

// NewStore builds a store of the requested type from its config struct.
func NewStore(storeType StoreType, cfg any, logger lg.Logger) (Store, error) {
	switch storeType {
	case FileStoreType:
		fileCfg, ok := cfg.(*FileStoreConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for file store, expected *FileStoreConfig")
		}
		return NewFileStore(fileCfg.Path, logger), nil
	case MongoStoreType:
		mongoCfg, ok := cfg.(*MongoStoreConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for mongo store, expected *MongoStoreConfig")
		}
		return NewMongoStore(mongoCfg.URI, mongoCfg.DBName, mongoCfg.CollName, mongoCfg.ID)
	default:
		return nil, ErrInvalidStoreType
	}
}
