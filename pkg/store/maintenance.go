package store

import (
	"context"
	"fmt"
	"io"
	"os"
)

// a backup smaller than this is considered empty and not worth keeping
const minUsefulBackupSize = 1024

// backup rotates manageditems.db.bak to .bak.old and writes a fresh copy with VACUUM INTO.
func (s *Store) backup(ctx context.Context) error {
	bak := s.dbPath + ".bak"

	if info, err := os.Stat(bak); err == nil {
		if info.Size() > minUsefulBackupSize {
			if err := copyFile(bak, bak+".old"); err != nil {
				return fmt.Errorf("rotating database backup: %w", err)
			}
		}
		if err := os.Remove(bak); err != nil {
			return fmt.Errorf("removing previous database backup: %w", err)
		}
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", bak); err != nil {
		return fmt.Errorf("writing database backup %s: %w", bak, err)
	}
	s.logger.Debugf("Performed db backup to %s", bak)
	return nil
}

// PerformMaintenance backs up the database, checkpoints the WAL and compacts the file.
func (s *Store) PerformMaintenance(ctx context.Context) error {
	if err := s.available("maintenance"); err != nil {
		return err
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := s.backup(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(FULL)"); err != nil {
		return fmt.Errorf("checkpointing WAL: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("compacting database: %w", err)
	}
	s.logger.Infof("Database maintenance completed for %s", s.dbPath)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
