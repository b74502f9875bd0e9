// Command migrator applies, reverts or steps the schema migrations the
// daemon otherwise runs at startup. It reads the same bootstrap config as
// cmd/server to find the database.
package main

import (
	"flag"
	"log"
	"path/filepath"

	"github.com/camfleet/camfleet/internal/config"
	"github.com/camfleet/camfleet/internal/data"
	"github.com/camfleet/camfleet/internal/platform/paths"
)

func main() {
	var (
		configPath = flag.String("config", "", "bootstrap config file (default <data-root>/config/config.yaml)")
		dataRoot   = flag.String("data-root", "", "data root override")
		up         = flag.Bool("up", false, "apply all pending migrations")
		down       = flag.Bool("down", false, "revert all applied migrations")
		steps      = flag.Int("steps", 0, "apply +/- n migrations")
	)
	flag.Parse()

	layout := paths.Resolve(*dataRoot)
	bootPath := *configPath
	if bootPath == "" {
		bootPath = filepath.Join(layout.ConfigDir(), "config.yaml")
	}
	boot, err := config.LoadBootstrap(bootPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *dataRoot == "" && boot.DataRoot != "" {
		layout = paths.Resolve(boot.DataRoot)
	}

	dialect := data.Dialect(boot.DB.Driver)
	dsn := boot.DB.DSN
	if dialect == data.DialectSQLite && dsn == "" {
		if err := layout.EnsureDirs(); err != nil {
			log.Fatalf("data root: %v", err)
		}
		dsn = layout.DatabaseFile()
	}

	db, err := data.Open(dialect, dsn)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	switch {
	case *up:
		if err := data.Migrate(db, dialect); err != nil {
			log.Fatalf("migrate up: %v", err)
		}
		log.Println("migrations applied")
	case *down:
		if err := data.Rollback(db, dialect); err != nil {
			log.Fatalf("migrate down: %v", err)
		}
		log.Println("migrations reverted")
	case *steps != 0:
		if err := data.Step(db, dialect, *steps); err != nil {
			log.Fatalf("migrate steps: %v", err)
		}
		log.Printf("stepped %+d", *steps)
	default:
		version, dirty, err := data.SchemaVersion(db, dialect)
		if err != nil {
			log.Fatalf("schema version: %v", err)
		}
		log.Printf("schema version %d (dirty=%v); use -up, -down or -steps", version, dirty)
	}
}
