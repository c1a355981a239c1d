package env

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/calderadb/caldera/core/btree"
	"github.com/calderadb/caldera/core/dberr"
	"github.com/calderadb/caldera/core/journal"
	"github.com/calderadb/caldera/core/page"
)

// Config carries the environment settings. Zero values select defaults.
type Config struct {
	PageSize       uint32 `yaml:"page_size"`
	CacheSizeBytes uint64 `yaml:"cache_size_bytes"`
	FileSizeLimit  uint64 `yaml:"file_size_limit"`
	MaxDatabases   uint16 `yaml:"max_databases"`

	InMemory           bool `yaml:"in_memory"`
	EnableTransactions bool `yaml:"enable_transactions"`
	EnableFsync        bool `yaml:"enable_fsync"`
	ReadOnly           bool `yaml:"read_only"`
	// FlushWhenCommitted flushes every dirty page to the device after
	// each commit instead of letting the cache drain lazily.
	FlushWhenCommitted bool `yaml:"flush_when_committed"`
	DisableRecovery    bool `yaml:"disable_recovery"`
	CacheStrict        bool `yaml:"cache_strict"`
	DisableMmap        bool `yaml:"disable_mmap"`
	EnableCRC32        bool `yaml:"enable_crc32"`

	JournalSwitchThreshold int                 `yaml:"journal_switch_threshold"`
	JournalCompression     journal.Compression `yaml:"journal_compression"`

	Logger *zap.Logger `yaml:"-"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PageSize == 0 {
		out.PageSize = page.DefaultSize
	}
	if out.CacheSizeBytes == 0 {
		out.CacheSizeBytes = 2 * 1024 * 1024
	}
	if out.MaxDatabases == 0 {
		out.MaxDatabases = 16
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

func (c *Config) validate() error {
	if c.PageSize%1024 != 0 || c.PageSize < 1024 {
		return fmt.Errorf("%w: page size %d", dberr.ErrInvalidArgument, c.PageSize)
	}
	if c.InMemory && c.EnableTransactions {
		// In-memory environments keep transactions in memory only; the
		// journal needs a file.
		return nil
	}
	return nil
}

// Database flags persisted in the header's database table.
const (
	dbFlagDuplicates uint32 = 1 << iota
	dbFlagRecordNumber32
	dbFlagRecordNumber64
	dbFlagKeyCompression
)

// DatabaseConfig describes one named database.
type DatabaseConfig struct {
	Name    uint16
	KeyType btree.KeyType
	// KeySize fixes the key size for binary keys; 0 = unlimited.
	KeySize uint32
	// RecordSize fixes the record size; UnlimitedRecordSize = variable.
	RecordSize uint32

	EnableDuplicates bool
	// RecordNumber32/64 auto-assign ascending numeric keys on insert.
	RecordNumber32 bool
	RecordNumber64 bool
	KeyCompression bool
}

func (dc *DatabaseConfig) withDefaults() (DatabaseConfig, error) {
	out := *dc
	if out.Name == 0 {
		return out, fmt.Errorf("%w: database name 0 is reserved", dberr.ErrInvalidArgument)
	}
	if out.RecordSize == 0 {
		out.RecordSize = btree.UnlimitedRecordSize
	}
	if out.RecordNumber32 && out.RecordNumber64 {
		return out, fmt.Errorf("%w: record-number32 and record-number64 are exclusive", dberr.ErrInvalidArgument)
	}
	if out.RecordNumber32 {
		out.KeyType = btree.KeyUInt32
	}
	if out.RecordNumber64 {
		out.KeyType = btree.KeyUInt64
	}
	if fixed := out.KeyType.FixedSize(); fixed != 0 {
		out.KeySize = fixed
	}
	if out.EnableDuplicates && (out.RecordNumber32 || out.RecordNumber64) {
		return out, fmt.Errorf("%w: record-number databases cannot have duplicates", dberr.ErrInvalidArgument)
	}
	return out, nil
}

func (dc *DatabaseConfig) flags() uint32 {
	var f uint32
	if dc.EnableDuplicates {
		f |= dbFlagDuplicates
	}
	if dc.RecordNumber32 {
		f |= dbFlagRecordNumber32
	}
	if dc.RecordNumber64 {
		f |= dbFlagRecordNumber64
	}
	if dc.KeyCompression {
		f |= dbFlagKeyCompression
	}
	return f
}

func databaseConfigFromFlags(name uint16, keyType btree.KeyType, keySize uint32,
	recordSize uint32, flags uint32) DatabaseConfig {
	return DatabaseConfig{
		Name:             name,
		KeyType:          keyType,
		KeySize:          keySize,
		RecordSize:       recordSize,
		EnableDuplicates: flags&dbFlagDuplicates != 0,
		RecordNumber32:   flags&dbFlagRecordNumber32 != 0,
		RecordNumber64:   flags&dbFlagRecordNumber64 != 0,
		KeyCompression:   flags&dbFlagKeyCompression != 0,
	}
}

func (dc *DatabaseConfig) btreeConfig() btree.Config {
	return btree.Config{
		DbName:         dc.Name,
		KeyType:        dc.KeyType,
		KeySize:        dc.KeySize,
		RecordSize:     dc.RecordSize,
		Duplicates:     dc.EnableDuplicates,
		KeyCompression: dc.KeyCompression,
	}
}
