package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

// MaxItemLogSize is the size above which a per-item log file is truncated when opened
const MaxItemLogSize = 1024 * 1024

// ItemLog writes one log file per managed certificate under <dir>/log_<id>.txt.
type ItemLog struct {
	dir string
	mu  sync.Mutex
}

// NewItemLog creates an ItemLog rooted at dir (usually <storage_path>/logs).
func NewItemLog(dir string) *ItemLog {
	return &ItemLog{dir: dir}
}

// LogPath returns the log file of an item.
func (l *ItemLog) LogPath(itemID string) string {
	return filepath.Join(l.dir, fmt.Sprintf("log_%s.txt", filepath.Base(itemID)))
}

// Append writes one entry. Failures are returned but never affect the caller's workflow.
func (l *ItemLog) Append(itemID string, itemType common.LogItemType, msg string) error {
	if itemID == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, DirPermissions); err != nil {
		return fmt.Errorf("creating log directory %s: %w", l.dir, err)
	}

	path := l.LogPath(itemID)
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if info, err := os.Stat(path); err == nil && info.Size() > MaxItemLogSize {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, CertificatePermissions)
	if err != nil {
		return fmt.Errorf("opening item log %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	level := slog.LevelInfo
	switch itemType {
	case common.LogItemGeneralWarning, common.LogItemCertificateRequestAttentionRequired:
		level = slog.LevelWarn
	case common.LogItemGeneralError, common.LogItemCertificateRequestFailed:
		level = slog.LevelError
	}

	logger := slog.New(slog.NewTextHandler(f, nil))
	logger.Log(context.Background(), level, msg, "type", itemType.String())
	return nil
}

// Read returns the full log of an item, or an empty string when none exists.
func (l *ItemLog) Read(itemID string) (string, error) {
	data, err := os.ReadFile(l.LogPath(itemID))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading item log: %w", err)
	}
	return string(data), nil
}
