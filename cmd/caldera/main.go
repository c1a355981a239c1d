// Command caldera inspects and repairs caldera environment files.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/calderadb/caldera/core/btree"
	"github.com/calderadb/caldera/core/env"
	"github.com/calderadb/caldera/pkg/logger"
	"github.com/calderadb/caldera/pkg/telemetry"
)

type toolConfig struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

var cli struct {
	Config string `help:"Path to a yaml config file." type:"path"`

	Info struct {
		Path string `arg:"" help:"Environment file." type:"path"`
	} `cmd:"" help:"Print the environment header and database table."`

	Dump struct {
		Path string `arg:"" help:"Environment file." type:"path"`
		Db   uint16 `default:"1" help:"Database name to dump."`
		Max  int    `default:"100" help:"Maximum number of keys to print (0 = all)."`
	} `cmd:"" help:"Print the keys of one database."`

	Recover struct {
		Path string `arg:"" help:"Environment file." type:"path"`
	} `cmd:"" help:"Replay the journal and close the environment cleanly."`
}

func loadConfig(path string) (toolConfig, error) {
	var cfg toolConfig
	cfg.Logger.Level = "warn"
	cfg.Logger.Format = "console"
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("caldera"),
		kong.Description("Inspect and repair caldera environment files."))

	cfg, err := loadConfig(cli.Config)
	kctx.FatalIfErrorf(err)
	log, err := logger.New(cfg.Logger)
	kctx.FatalIfErrorf(err)
	defer log.Sync()

	tel, err := telemetry.New(cfg.Telemetry)
	kctx.FatalIfErrorf(err)

	switch kctx.Command() {
	case "info <path>":
		err = runInfo(cli.Info.Path, log)
	case "dump <path>":
		err = runDump(cli.Dump.Path, cli.Dump.Db, cli.Dump.Max, log)
	case "recover <path>":
		err = runRecover(cli.Recover.Path, log, tel)
	}
	_ = tel.Shutdown(context.Background())
	kctx.FatalIfErrorf(err)
}

func runInfo(path string, log *zap.Logger) error {
	e, err := env.Open(path, env.Config{
		ReadOnly:        true,
		DisableRecovery: true,
		Logger:          log,
	})
	if err != nil {
		return err
	}
	defer e.Close()

	fmt.Printf("environment  %s\n", path)
	for _, info := range e.Databases() {
		fmt.Printf("database %5d  key_type=%-7s key_size=%-5d record_size=%-10s flags=0x%x\n",
			info.Name, keyTypeName(info.KeyType), info.KeySize,
			recordSizeName(info.RecordSize), info.Flags)
	}
	return nil
}

func runDump(path string, dbName uint16, maxKeys int, log *zap.Logger) error {
	e, err := env.Open(path, env.Config{
		ReadOnly:        true,
		DisableRecovery: true,
		Logger:          log,
	})
	if err != nil {
		return err
	}
	defer e.Close()

	db, err := e.OpenDatabase(dbName)
	if err != nil {
		return err
	}
	printed := 0
	return db.Scan(&dumpVisitor{max: maxKeys, printed: &printed}, false)
}

type dumpVisitor struct {
	max     int
	printed *int
}

func (v *dumpVisitor) VisitKey(key []byte, dupCount uint32) error {
	if v.max > 0 && *v.printed >= v.max {
		return nil
	}
	*v.printed++
	if dupCount > 1 {
		fmt.Printf("%q (%d duplicates)\n", key, dupCount)
	} else {
		fmt.Printf("%q\n", key)
	}
	return nil
}

func (v *dumpVisitor) VisitPackedKeys(keys []byte, keySize, count int) error {
	for i := 0; i < count; i++ {
		if v.max > 0 && *v.printed >= v.max {
			return nil
		}
		*v.printed++
		fmt.Printf("%x\n", keys[i*keySize:(i+1)*keySize])
	}
	return nil
}

func runRecover(path string, log *zap.Logger, tel *telemetry.Telemetry) error {
	e, err := env.Open(path, env.Config{
		EnableTransactions: true,
		Logger:             log,
	})
	if err != nil {
		return err
	}
	if _, err := e.RegisterMetrics(tel.Meter); err != nil {
		log.Warn("metric registration failed", zap.Error(err))
	}
	m := e.Metrics()
	fmt.Printf("recovered %s, lsn=%d, journal_bytes=%d\n", path, m.CurrentLsn, m.JournalBytes)
	return e.Close()
}

func keyTypeName(t btree.KeyType) string {
	switch t {
	case btree.KeyUInt8:
		return "u8"
	case btree.KeyUInt16:
		return "u16"
	case btree.KeyUInt32:
		return "u32"
	case btree.KeyUInt64:
		return "u64"
	case btree.KeyReal32:
		return "f32"
	case btree.KeyReal64:
		return "f64"
	default:
		return "binary"
	}
}

func recordSizeName(size uint32) string {
	if size == btree.UnlimitedRecordSize {
		return "variable"
	}
	return fmt.Sprintf("%d", size)
}
