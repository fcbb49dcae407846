package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/pkg/store/local"
	"github.com/marmos91/parsecfs/pkg/store/local/badger"
	"github.com/marmos91/parsecfs/pkg/store/local/memory"
	"github.com/marmos91/parsecfs/pkg/types"
)

// Stores opens the local object store of each realm of a device.
//
// Badger stores live in one database directory per realm under the device
// data directory (or under store.badger.path when set). Memory stores are
// kept for the lifetime of the Stores so that a realm reopened by the
// filesystem finds its data again.
type Stores struct {
	cfg     StoreConfig
	dataDir string

	mu     sync.Mutex
	memory map[types.RealmID]*memory.Store
}

// NewStores returns the store opener for the device whose data directory
// is dataDir.
func NewStores(cfg StoreConfig, dataDir string) (*Stores, error) {
	switch cfg.Type {
	case "memory":
		if _, err := decodeMemory(cfg); err != nil {
			return nil, err
		}
	case "badger":
		badgerCfg, err := decodeBadger(cfg)
		if err != nil {
			return nil, err
		}
		if !badgerCfg.InMemory && badgerCfg.Path == "" && dataDir == "" {
			return nil, fmt.Errorf("store.badger: a path or a device data directory is required")
		}
	default:
		return nil, fmt.Errorf("unknown local store type: %q", cfg.Type)
	}
	return &Stores{cfg: cfg, dataDir: dataDir, memory: make(map[types.RealmID]*memory.Store)}, nil
}

// Open opens the store of realm. It matches fs.StoreFactory.
func (s *Stores) Open(ctx context.Context, realm types.RealmID) (local.Store, error) {
	switch s.cfg.Type {
	case "memory":
		return s.openMemory(realm)
	case "badger":
		return s.openBadger(ctx, realm)
	default:
		return nil, fmt.Errorf("unknown local store type: %q", s.cfg.Type)
	}
}

func (s *Stores) openMemory(realm types.RealmID) (local.Store, error) {
	memCfg, err := decodeMemory(s.cfg)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.memory[realm]
	if !ok {
		store = memory.New(memCfg)
		s.memory[realm] = store
	}
	return retained{store}, nil
}

func (s *Stores) openBadger(ctx context.Context, realm types.RealmID) (local.Store, error) {
	badgerCfg, err := decodeBadger(s.cfg)
	if err != nil {
		return nil, err
	}
	if !badgerCfg.InMemory {
		base := badgerCfg.Path
		if base == "" {
			base = filepath.Join(s.dataDir, "local.db")
		}
		badgerCfg.Path = filepath.Join(base, realm.String())
	}
	store, err := badger.Open(ctx, badgerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	logger.Debug("Opened local store of realm %s at %s", realm, badgerCfg.Path)
	return store, nil
}

func decodeMemory(cfg StoreConfig) (memory.Config, error) {
	var memCfg memory.Config
	if err := mapstructure.Decode(cfg.Memory, &memCfg); err != nil {
		return memCfg, fmt.Errorf("invalid memory config: %w", err)
	}
	return memCfg, nil
}

func decodeBadger(cfg StoreConfig) (badger.Config, error) {
	var badgerCfg badger.Config
	if err := mapstructure.Decode(cfg.Badger, &badgerCfg); err != nil {
		return badgerCfg, fmt.Errorf("invalid badger config: %w", err)
	}
	return badgerCfg, nil
}

// retained is a memory store that survives Close.
type retained struct{ *memory.Store }

func (retained) Close() error { return nil }
