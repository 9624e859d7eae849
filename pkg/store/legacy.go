package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

// importLegacy moves the items of a manageditems.json array into the database and
// renames the file to .bak. Duplicate ids are made unique with an _<n> suffix.
func (s *Store) importLegacy(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening legacy item file: %w", err)
	}
	var items []*common.ManagedCertificate
	err = json.NewDecoder(f).Decode(&items)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("parsing legacy item file %s: %w", path, err)
	}

	dedupeIDs(items)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting legacy import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, item := range items {
		if item == nil {
			continue
		}
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encoding item %s: %w", item.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO manageditem (id, parentid, json) VALUES (?, ?, ?)",
			item.ID, nullable(item.ParentID), string(data)); err != nil {
			return fmt.Errorf("importing item %s: %w", item.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing legacy import: %w", err)
	}

	backup := path + ".bak"
	_ = os.Remove(backup)
	if err := os.Rename(path, backup); err != nil {
		return fmt.Errorf("renaming legacy item file: %w", err)
	}
	s.logger.Infof("Imported %d managed certificates from %s", len(items), path)
	return nil
}

// dedupeIDs renames every member of a group of items sharing an id to id_0, id_1, ...
func dedupeIDs(items []*common.ManagedCertificate) {
	counts := make(map[string]int)
	for _, item := range items {
		if item != nil {
			counts[item.ID]++
		}
	}
	next := make(map[string]int)
	for _, item := range items {
		if item == nil || counts[item.ID] < 2 {
			continue
		}
		id := item.ID
		item.ID = fmt.Sprintf("%s_%d", id, next[id])
		next[id]++
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
