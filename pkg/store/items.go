package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

// GetByID loads one item, or returns nil when it does not exist.
func (s *Store) GetByID(ctx context.Context, id string) (*common.ManagedCertificate, error) {
	if err := s.available("get"); err != nil {
		return nil, err
	}

	var data string
	err := s.db.QueryRowContext(ctx, "SELECT json FROM manageditem WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, common.WrapError(err, common.ErrorTypeStorage, "get", "loading managed certificate").
			AddContext("id", id)
	}
	return decodeItem(id, data)
}

// GetAll pages through the table in id order and then applies the in-memory filters.
func (s *Store) GetAll(ctx context.Context, filter common.ManagedCertificateFilter) ([]*common.ManagedCertificate, error) {
	if err := s.available("list"); err != nil {
		return nil, err
	}

	query := "SELECT id, json FROM manageditem ORDER BY id"
	var args []interface{}
	if filter.PageSize > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.PageSize, filter.PageSize*filter.PageIndex)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, common.WrapError(err, common.ErrorTypeStorage, "list", "querying managed certificates")
	}
	defer func() { _ = rows.Close() }()

	var items []*common.ManagedCertificate
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, common.WrapError(err, common.ErrorTypeStorage, "list", "reading managed certificate row")
		}
		item, err := decodeItem(id, data)
		if err != nil {
			s.logger.Warnf("Skipping unreadable managed certificate %s: %v", id, err)
			continue
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, common.WrapError(err, common.ErrorTypeStorage, "list", "reading managed certificates")
	}

	return applyFilter(items, filter), nil
}

// Update stores item, assigning an id when it has none and bumping its version. A stale
// version is logged and written anyway. item keeps its id and version until the write
// has committed.
func (s *Store) Update(ctx context.Context, item *common.ManagedCertificate) (*common.ManagedCertificate, error) {
	if item == nil {
		return nil, nil
	}
	if err := s.available("update"); err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	next := item.Clone()
	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	next.Version = nextVersion(item.Version)

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return nil, common.WrapError(err, common.ErrorTypeStorage, "update", "encoding managed certificate")
	}

	err = withRetry(ctx, s.retryAttempts, s.retryDelay, func() error {
		return s.write(ctx, next, string(data))
	})
	if err != nil {
		return nil, common.WrapError(err, common.ErrorTypeStorage, "update", "saving managed certificate").
			AddContext("id", next.ID)
	}
	item.ID, item.Version = next.ID, next.Version
	return item, nil
}

// nextVersion wraps to -1 once the counter is exhausted. -1 never conflicts.
func nextVersion(v int64) int64 {
	if v == math.MaxInt64 {
		return -1
	}
	return v + 1
}

func (s *Store) write(ctx context.Context, item *common.ManagedCertificate, data string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT json FROM manageditem WHERE id = ?", item.ID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		var stored struct{ Version int64 }
		if json.Unmarshal([]byte(current), &stored) == nil &&
			item.Version != -1 && stored.Version != -1 && stored.Version >= item.Version {
			conflict := common.NewApplicationError(common.ErrorTypeStorageConflict, "update",
				"newer managed certificate version already stored, overwriting").
				AddContext("id", item.ID).
				AddContext("stored_version", stored.Version).
				AddContext("version", item.Version)
			s.logger.Warnf("%s", conflict.GetDetailedMessage())
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO manageditem (id, parentid, json) VALUES (?, ?, ?)",
		item.ID, nullable(item.ParentID), data); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete removes one item.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.available("delete"); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM manageditem WHERE id = ?", id); err != nil {
		return common.WrapError(err, common.ErrorTypeStorage, "delete", "deleting managed certificate").
			AddContext("id", id)
	}
	return nil
}

// DeleteByName removes every item whose name starts with prefix and returns how many went.
func (s *Store) DeleteByName(ctx context.Context, prefix string) (int, error) {
	items, err := s.GetAll(ctx, common.ManagedCertificateFilter{})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, item := range items {
		if !strings.HasPrefix(item.Name, prefix) {
			continue
		}
		if err := s.Delete(ctx, item.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// DeleteAll removes every item.
func (s *Store) DeleteAll(ctx context.Context) error {
	items, err := s.GetAll(ctx, common.ManagedCertificateFilter{})
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := s.Delete(ctx, item.ID); err != nil {
			return err
		}
	}
	return nil
}

func decodeItem(id, data string) (*common.ManagedCertificate, error) {
	var item common.ManagedCertificate
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return nil, fmt.Errorf("decoding managed certificate %s: %w", id, err)
	}
	// the row id is unique, the embedded one may have been edited
	item.ID = id
	return &item, nil
}

func applyFilter(items []*common.ManagedCertificate, f common.ManagedCertificateFilter) []*common.ManagedCertificate {
	id := strings.ToLower(strings.TrimSpace(f.ID))
	name := strings.ToLower(strings.TrimSpace(f.Name))
	keyword := strings.ToLower(f.Keyword)

	out := make([]*common.ManagedCertificate, 0, len(items))
	for _, item := range items {
		if id != "" && strings.ToLower(strings.TrimSpace(item.ID)) != id {
			continue
		}
		if name != "" && strings.ToLower(strings.TrimSpace(item.Name)) != name {
			continue
		}
		if keyword != "" && !strings.Contains(strings.ToLower(item.Name), keyword) {
			continue
		}
		if f.ChallengeType != "" && !anyChallenge(item, func(c common.ChallengeConfig) bool { return c.ChallengeType == f.ChallengeType }) {
			continue
		}
		if f.ChallengeProvider != "" && !anyChallenge(item, func(c common.ChallengeConfig) bool { return c.ChallengeProvider == f.ChallengeProvider }) {
			continue
		}
		if f.ChallengeCredentialKey != "" && !anyChallenge(item, func(c common.ChallengeConfig) bool { return c.ChallengeCredentialKey == f.ChallengeCredentialKey }) {
			continue
		}
		if f.IncludeOnlyAutoRenew && !item.IncludeInAutoRenew {
			continue
		}
		out = append(out, item)
		if f.MaxResults > 0 && len(out) >= f.MaxResults {
			break
		}
	}
	return out
}

func anyChallenge(item *common.ManagedCertificate, match func(common.ChallengeConfig) bool) bool {
	for _, c := range item.RequestConfig.Challenges {
		if match(c) {
			return true
		}
	}
	return false
}
