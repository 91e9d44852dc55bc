package index

import (
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/nextlabs-mydc/sifs/fileprov"
)

const (
	gracefullyMagic = uint32(0x512ACEF2)
	dirtyMagic      = uint32(0xD112770C)

	// magic:u32 | segmentCount:u32 | rootOffset:u64 | rootLen:u16 |
	// freeBlocksOffset:u64 | elementCount:u64
	indexFileHeaderSize = 34

	// node lengths are 16-bit with the sign bit unused
	maxNodeSizeLimit = 32767

	indexFilePrefix    = "index."
	indexCountFileName = "index-count"
	indexStatsFileName = "index.stats"
)

// Config collects everything needed to build an Index. Collaborators
// left nil get in-process defaults.
type Config struct {
	// IndexDir is the directory holding the index.<id> files and the
	// shutdown sidecars.
	IndexDir string
	// CacheSegments is the number of segments the upper layer shards
	// keys into; the index keeps one tree per segment.
	CacheSegments int
	// MinNodeSize and MaxNodeSize bound the serialized size of a
	// non-root tree node.
	MinNodeSize int
	MaxNodeSize int
	// MaxOpenFiles bounds the index file handle pool.
	MaxOpenFiles int
	// NodeCacheSize is the node cache budget in bytes.
	NodeCacheSize int64

	// DataFileProvider reads the append-only data files; required for
	// record loads and publish with values.
	DataFileProvider *fileprov.Provider

	TemporaryTable     TemporaryTable
	Compactor          Compactor
	TimeService        TimeService
	NonBlockingManager NonBlockingManager
	Logger             *slog.Logger
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.MaxOpenFiles <= 0 {
		cfg.MaxOpenFiles = 128
	}
	if cfg.NodeCacheSize <= 0 {
		cfg.NodeCacheSize = 16 << 20
	}
	if cfg.TemporaryTable == nil {
		cfg.TemporaryTable = NewMemoryTemporaryTable(cfg.CacheSegments)
	}
	if cfg.Compactor == nil {
		cfg.Compactor = noopCompactor{}
	}
	if cfg.TimeService == nil {
		cfg.TimeService = DefaultTimeService{}
	}
	if cfg.NonBlockingManager == nil {
		cfg.NonBlockingManager = GoroutineNonBlockingManager{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

func (c *Config) validate() error {
	if c.IndexDir == "" {
		return errors.New("index: IndexDir is required")
	}
	if c.CacheSegments < 1 {
		return errors.Newf("index: CacheSegments must be positive, got %d", c.CacheSegments)
	}
	if c.MinNodeSize <= 0 || c.MaxNodeSize <= c.MinNodeSize {
		return errors.Newf("index: need 0 < MinNodeSize < MaxNodeSize, got %d/%d", c.MinNodeSize, c.MaxNodeSize)
	}
	if c.MaxNodeSize > maxNodeSizeLimit {
		return errors.Newf("index: MaxNodeSize %d exceeds limit %d", c.MaxNodeSize, maxNodeSizeLimit)
	}
	return nil
}
