// Command migrate applies or rolls back the Postgres schema embedded in
// internal/store/migrations. It is intentionally thin CLI glue built on
// the standard log package rather than zap, matching the teacher's own
// texture for one-shot tooling (postgres/migration.go uses
// log.New(os.Stdout, ...), not its structured logger).
package main

import (
	"flag"
	"log"
	"os"

	"github.com/openvenue/aggregator/internal/config"
	"github.com/openvenue/aggregator/internal/store"
)

func main() {
	down := flag.Bool("down", false, "roll back the schema instead of applying it")
	dsn := flag.String("dsn", "", "postgres connection string; defaults to DATABASE_URL")
	flag.Parse()

	databaseURL := *dsn
	if databaseURL == "" {
		databaseURL = config.Load().DatabaseURL
	}
	if databaseURL == "" {
		log.Fatal("migrate: no DSN given; pass -dsn or set DATABASE_URL")
	}

	runner := store.NewMigrationRunner(databaseURL)

	var err error
	if *down {
		err = runner.Down()
	} else {
		err = runner.Up()
	}
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
