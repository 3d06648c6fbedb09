package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/LykxSassinator/backupstore/internal/backup"
	"github.com/LykxSassinator/backupstore/internal/config"
	"github.com/LykxSassinator/backupstore/internal/logx"
	"github.com/LykxSassinator/backupstore/internal/provider"
	"github.com/LykxSassinator/backupstore/internal/restore"
	"github.com/LykxSassinator/backupstore/internal/version"

	_ "github.com/LykxSassinator/backupstore/internal/provider/aws"
)

// Test seams — overridden in unit tests. Keep signatures in sync with packages.
var (
	loadConfig func() (config.Config, error)                                                                                       = config.Load
	newBackend func(name string, cfg any) (*provider.Backend, error)                                                               = provider.New
	backupRun  func(context.Context, config.Config, provider.Storage, provider.KeyProvider, backup.Options) (backup.Result, error) = backup.Run
	restoreRun func(context.Context, config.Config, provider.Storage, provider.KeyProvider, restore.Options) error                 = restore.Run
	exit       func(int)                                                                                                           = os.Exit
)

const usage = `
Usage:
  backupstore backup  [source] [targetPrefix]
  backupstore restore [remoteKey] [localFile]
  backupstore list    [prefix]
  backupstore delete  <remoteKey>
  backupstore version | --version | -v
  backupstore help    | --help    | -h

Notes:
  - You can also set env vars:
      BACKUP_SOURCE, BACKUP_TARGET, RESTORE_SOURCE, RESTORE_TARGET
  - Backend is selected with BACKUP_PROVIDER (default: aws).
  - Storage: S3_BUCKET, S3_PREFIX, AWS_REGION (AWS_ENDPOINT for S3-compatible stores).
  - Envelope encryption: KMS_MASTER_KEY_ID selects the master key.
`

// main wires CLI -> config -> backend -> backup/restore.
// Exit codes: 0 success, 1 runtime error, 2 usage error.
func main() {
	_ = godotenv.Load() // best-effort
	logx.InitFromEnv()

	args := os.Args[1:]
	if len(args) < 1 {
		fmt.Print(usage)
		exit(2)
	}
	action := strings.ToLower(args[0])

	// Handle version command
	if action == "version" || action == "--version" || action == "-v" {
		fmt.Printf("backupstore %s\n", version.Info())
		exit(0)
	}

	// Handle help command
	if action == "help" || action == "--help" || action == "-h" {
		fmt.Print(usage)
		exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("config error")
		exit(1)
	}

	// Build backend from config.
	b, err := newBackend(cfg.Provider, cfg)
	if err != nil {
		log.Error().Err(err).Str("backend", cfg.Provider).Msg("backend init error")
		exit(1)
	}

	ctx, stop := withSignals(context.Background())
	defer stop()

	switch action {
	case "backup":
		source := pickArgOrEnv(2, "BACKUP_SOURCE", cfg.BackupSource)
		targetPrefix := pickArgOrEnv(3, "BACKUP_TARGET", cfg.BackupTarget)

		start := time.Now()
		res, err := backupRun(ctx, cfg, b.Storage, b.Keys, backup.Options{
			LocalPath:       source,
			RemotePrefix:    targetPrefix,
			TimestampFormat: cfg.BackupTimestampFormat,
		})
		if err != nil {
			log.Error().Err(err).Str("action", "backup").Msg("backup failed")
			exit(1)
		}
		log.Info().
			Str("action", "backup").
			Str("backend", cfg.Provider).
			Str("local", res.LocalPath).
			Str("remote", res.RemoteKey).
			Str("manifest", res.ManifestKey).
			Dur("elapsed_ms", time.Since(start)).
			Msg("backup OK")

	case "restore":
		source := pickArgOrEnv(2, "RESTORE_SOURCE", cfg.RestoreSource) // remote key
		target := pickArgOrEnv(3, "RESTORE_TARGET", cfg.RestoreTarget) // local file (optional)

		start := time.Now()
		force := strings.EqualFold(os.Getenv("RESTORE_FORCE"), "true")
		if err := restoreRun(ctx, cfg, b.Storage, b.Keys, restore.Options{
			RemoteKey: source,
			LocalPath: target,
			Force:     force,
		}); err != nil {
			log.Error().Err(err).Str("action", "restore").Str("remote", source).Msg("restore failed")
			exit(1)
		}
		log.Info().
			Str("action", "restore").
			Str("backend", cfg.Provider).
			Str("remote", source).
			Dur("elapsed_ms", time.Since(start)).
			Msg("restore OK")

	case "list":
		prefix := pickArgOrEnv(2, "BACKUP_TARGET", cfg.BackupTarget)
		n := 0
		err := b.Storage.List(ctx, prefix, func(loc provider.BlobLocation) error {
			// Manifests are paired with their payloads; skip the sidecars.
			if strings.HasSuffix(loc.Key, backup.ManifestSuffix) {
				return nil
			}
			fmt.Printf("%s\t%d\n", loc.Key, loc.Size)
			n++
			return nil
		})
		if err != nil {
			log.Error().Err(err).Str("action", "list").Str("prefix", prefix).Msg("list failed")
			exit(1)
		}
		log.Info().Str("action", "list").Str("prefix", prefix).Int("count", n).Msg("list OK")

	case "delete":
		key := pickArgOrEnv(2, "RESTORE_SOURCE", "")
		if key == "" {
			fmt.Print(usage)
			exit(2)
		}
		if err := b.Storage.Delete(ctx, key); err != nil {
			log.Error().Err(err).Str("action", "delete").Str("remote", key).Msg("delete failed")
			exit(1)
		}
		// Drop the manifest sidecar too; without the payload it is useless.
		if err := b.Storage.Delete(ctx, key+backup.ManifestSuffix); err != nil {
			log.Warn().Err(err).Str("remote", key+backup.ManifestSuffix).Msg("manifest delete failed")
		}
		log.Info().Str("action", "delete").Str("remote", key).Msg("delete OK")

	default:
		fmt.Print(usage)
		exit(2)
	}
}

func pickArgOrEnv(idx int, env string, def string) string {
	if len(os.Args) > idx && os.Args[idx] != "" {
		return os.Args[idx]
	}
	if v, ok := os.LookupEnv(env); ok && v != "" {
		return v
	}
	return def
}

func withSignals(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
