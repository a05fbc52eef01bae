package server

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/Daskott/safeguard/server/gstorage"
	"github.com/Daskott/safeguard/server/source"
	"github.com/Daskott/safeguard/server/store"
	"github.com/Daskott/safeguard/server/work"
	"github.com/Daskott/safeguard/utils"
	"github.com/pkg/errors"
)

const (
	ARCHIVE_CHUNK_JOB = "archiveChunk"
	BACKUP_DB_JOB     = "backupSqliteDb"

	// A fresh deployment gets its first backup soon after boot instead of at the first cron tick.
	firstBackupDelaySeconds = 60
)

// bucket is the part of gstorage.GStorage the jobs use.
type bucket interface {
	ObjectName(name string) string
	Put(ctx context.Context, name string, data []byte) error
	UploadFile(ctx context.Context, name, filePath string) error
	DownloadFile(ctx context.Context, name, destFileName string) error
}

// queuedArchive keeps every chunk on local disk and queues a copy to the bucket.
type queuedArchive struct {
	local   source.LocalArchive
	workers *work.WorkerPoolAdapter
}

func (a queuedArchive) Put(ctx context.Context, name string, data []byte) error {
	if err := a.local.Put(ctx, name, data); err != nil {
		return err
	}

	return a.workers.Perform(work.JobParams{
		Name:    fmt.Sprintf("%v-%v", ARCHIVE_CHUNK_JOB, name),
		Handler: ARCHIVE_CHUNK_JOB,
		Unique:  true,
		Args: map[string]interface{}{
			"name": name,
			"path": filepath.Join(a.local.Dir, name),
		},
	})
}

func archiveChunk(gs bucket) work.Handler {
	return func(args map[string]interface{}) error {
		name, _ := args["name"].(string)
		chunkPath, _ := args["path"].(string)
		if name == "" || chunkPath == "" {
			return fmt.Errorf("archiveChunk: missing name or path in %v", args)
		}

		data, err := os.ReadFile(chunkPath)
		if err != nil {
			return errors.Wrap(err, "archiveChunk")
		}
		return gs.Put(context.Background(), path.Join("audio", filepath.ToSlash(name)), data)
	}
}

func backupSqliteDb(gs bucket, dataDir string) work.Handler {
	return func(map[string]interface{}) error {
		dbPath := store.DbFilePath(dataDir)
		if !utils.FileExist(dbPath) {
			logg.Warnf("skipping backup, no database at %v", dbPath)
			return nil
		}

		logg.Info("Backing up sqlite db...")
		err := gs.UploadFile(context.Background(), store.DB_NAME, dbPath)
		if err != nil {
			return errors.Wrap(err, "backupSqliteDb")
		}
		logg.Info("Sqlite db backup complete")
		return nil
	}
}

// restoreSqliteDb pulls the last backup when there is no local database yet.
func restoreSqliteDb(ctx context.Context, gs bucket, dataDir string) error {
	dbPath := store.DbFilePath(dataDir)
	if utils.FileExist(dbPath) {
		return nil
	}

	if _, err := store.DbDirectory(dataDir); err != nil {
		return err
	}

	logg.Infof("Restoring sqlite db from %v", gs.ObjectName(store.DB_NAME))
	err := gs.DownloadFile(ctx, store.DB_NAME, dbPath)
	if errors.Is(err, gstorage.ErrObjectNotExist) {
		logg.Info("No sqlite db backup found, starting fresh")
		return nil
	}
	return err
}

func registerJobHandlers(wpa *work.WorkerPoolAdapter, gs bucket, dataDir string) error {
	if err := wpa.Register(ARCHIVE_CHUNK_JOB, archiveChunk(gs)); err != nil {
		return err
	}
	return wpa.Register(BACKUP_DB_JOB, backupSqliteDb(gs, dataDir))
}

func enqueueJobs(wpa *work.WorkerPoolAdapter, schedule string) error {
	backup := work.JobParams{
		Name:    BACKUP_DB_JOB,
		Handler: BACKUP_DB_JOB,
		Unique:  true,
		Args:    map[string]interface{}{},
	}

	if err := wpa.PerformIn(firstBackupDelaySeconds, backup); err != nil {
		return err
	}
	return wpa.PeriodicallyPerform(schedule, backup)
}
