// cmd/seeder/main.go
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/cellar-dispatch/internal/auth"
	"github.com/unclebandit/cellar-dispatch/internal/config"
	"github.com/unclebandit/cellar-dispatch/internal/db"
	"github.com/unclebandit/cellar-dispatch/internal/logger"
)

func main() {
	migrationsDir := flag.String("migrations", "migrations", "directory of schema migrations")
	seedDir := flag.String("seed", "seed", "directory of seed data")
	skipSeed := flag.Bool("schema-only", false, "apply migrations without seed data")
	tokenTenant := flag.Int("token-tenant", 0, "print a development admin token for this tenant")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		logrus.WithError(err).Fatal("failed to build logger")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	conn, err := db.Open(ctx, cfg.DSN())
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer conn.Close()

	dirs := []string{*migrationsDir}
	if !*skipSeed {
		dirs = append(dirs, *seedDir)
	}
	for _, dir := range dirs {
		if err := applyDir(ctx, conn, dir, log); err != nil {
			log.WithError(err).Fatal("seeding failed")
		}
	}
	log.Info("database seeding completed successfully")

	if *tokenTenant > 0 {
		if cfg.JWTSecret == "" {
			log.Fatal("JWT_SECRET is required to issue a token")
		}
		ts := auth.NewTokenService(cfg.JWTSecret, cfg.JWTIssuer)
		tok, err := ts.GenerateToken(auth.Operator{Subject: "seeder", TenantID: *tokenTenant, Role: auth.RoleAdmin}, 24*time.Hour)
		if err != nil {
			log.WithError(err).Fatal("failed to issue token")
		}
		fmt.Println(tok)
	}
}

// applyDir executes every .sql file in dir in lexical order, each in its
// own transaction.
func applyDir(ctx context.Context, conn *sql.DB, dir string, log logrus.FieldLogger) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
		err = db.WithTx(ctx, conn, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, string(content))
			return err
		})
		if err != nil {
			return fmt.Errorf("execute %s: %w", file, err)
		}
		log.WithField("file", file).Info("applied")
	}
	return nil
}
