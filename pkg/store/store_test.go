package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

type mockLogger struct {
	mu            sync.Mutex
	warnMessages  []string
	errorMessages []string
}

func (m *mockLogger) Debug(string, ...interface{})      {}
func (m *mockLogger) Info(string, ...interface{})       {}
func (m *mockLogger) Warn(string, ...interface{})       {}
func (m *mockLogger) Error(string, ...interface{})      {}
func (m *mockLogger) Debugf(string, ...interface{})     {}
func (m *mockLogger) Infof(string, ...interface{})      {}
func (m *mockLogger) Importantf(string, ...interface{}) {}
func (m *mockLogger) Warnf(format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMessages = append(m.warnMessages, fmt.Sprintf(format, args...))
}
func (m *mockLogger) Errorf(format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMessages = append(m.errorMessages, fmt.Sprintf(format, args...))
}

func openTestStore(t *testing.T, dir string) (*Store, *mockLogger) {
	t.Helper()
	logger := &mockLogger{}
	s := Open(context.Background(), dir, Options{Logger: logger, RetryDelay: time.Millisecond})
	if !s.IsInitialized() {
		t.Fatalf("store not initialized: %v", s.InitError())
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, logger
}

func newItem(name string, challenges ...common.ChallengeConfig) *common.ManagedCertificate {
	return &common.ManagedCertificate{
		Name:               name,
		IncludeInAutoRenew: true,
		RequestConfig: common.RequestConfig{
			PrimaryDomain: name + ".example.com",
			Challenges:    challenges,
		},
	}
}

func TestUpdateAndGet(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, t.TempDir())

	saved, err := s.Update(ctx, newItem("alpha"))
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if saved.ID == "" || saved.Version != 1 {
		t.Errorf("expected generated id and version 1, got %q / %d", saved.ID, saved.Version)
	}

	got, err := s.GetByID(ctx, saved.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID() = %v, %v", got, err)
	}
	if got.Name != "alpha" || got.RequestConfig.PrimaryDomain != "alpha.example.com" {
		t.Errorf("unexpected item: %+v", got)
	}

	missing, err := s.GetByID(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetByID(missing) = %v, %v", missing, err)
	}

	if _, err := os.Stat(s.Path() + ".bak"); err != nil {
		t.Errorf("backup not written on open: %v", err)
	}
}

func TestGetByIDPrefersRowID(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, t.TempDir())

	data, _ := json.Marshal(&common.ManagedCertificate{ID: "edited", Name: "x"})
	if _, err := s.db.ExecContext(ctx, "INSERT INTO manageditem (id, json) VALUES (?, ?)", "real", string(data)); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetByID(ctx, "real")
	if err != nil || got.ID != "real" {
		t.Errorf("GetByID() = %+v, %v", got, err)
	}
	all, _ := s.GetAll(ctx, common.ManagedCertificateFilter{})
	if len(all) != 1 || all[0].ID != "real" {
		t.Errorf("GetAll() ids = %v", all)
	}
}

func TestVersionConflictIsLoggedOnly(t *testing.T) {
	ctx := context.Background()
	s, logger := openTestStore(t, t.TempDir())

	item, err := s.Update(ctx, newItem("beta"))
	if err != nil {
		t.Fatal(err)
	}
	stale := item.Clone()
	stale.Version = 0
	stale.Comments = "stale write"

	if _, err := s.Update(ctx, stale); err != nil {
		t.Fatalf("stale update should still succeed: %v", err)
	}
	if len(logger.warnMessages) != 1 || !strings.Contains(logger.warnMessages[0], string(common.ErrorTypeStorageConflict)) {
		t.Errorf("expected one conflict warning, got %v", logger.warnMessages)
	}

	got, _ := s.GetByID(ctx, item.ID)
	if got.Comments != "stale write" {
		t.Error("last writer should win")
	}
}

func TestVersionWrapDisablesConflictCheck(t *testing.T) {
	ctx := context.Background()
	s, logger := openTestStore(t, t.TempDir())

	item := newItem("gamma")
	item.Version = math.MaxInt64 - 1
	saved, err := s.Update(ctx, item)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Version != math.MaxInt64 {
		t.Fatalf("version should reach MaxInt64 before wrapping, got %d", saved.Version)
	}

	saved, err = s.Update(ctx, saved)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Version != -1 {
		t.Errorf("version should wrap to -1, got %d", saved.Version)
	}

	again := saved.Clone()
	again.Version = -2 // increments to -1
	if _, err := s.Update(ctx, again); err != nil {
		t.Fatal(err)
	}
	if len(logger.warnMessages) != 0 {
		t.Errorf("wrapped versions must not conflict: %v", logger.warnMessages)
	}
}

func TestFailedUpdateLeavesItemUntouched(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, t.TempDir())
	if _, err := s.db.ExecContext(ctx, "DROP TABLE manageditem"); err != nil {
		t.Fatal(err)
	}

	item := newItem("delta")
	item.Version = 4
	if _, err := s.Update(ctx, item); !common.IsErrorType(err, common.ErrorTypeStorage) {
		t.Fatalf("Update() error = %v, want a storage error", err)
	}
	if item.ID != "" || item.Version != 4 {
		t.Errorf("failed write changed the item: id %q, version %d", item.ID, item.Version)
	}
}

func TestConcurrentUpdatesOfOneItem(t *testing.T) {
	ctx := context.Background()
	s, logger := openTestStore(t, t.TempDir())

	item, err := s.Update(ctx, newItem("epsilon"))
	if err != nil {
		t.Fatal(err)
	}

	const writers, rounds = 8, 5
	versions := make([][]int64, writers)
	errs := make(chan error, writers*rounds)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			mine := item.Clone()
			for r := 0; r < rounds; r++ {
				mine.Comments = fmt.Sprintf("writer %d round %d", w, r)
				saved, err := s.Update(ctx, mine)
				if err != nil {
					errs <- err
					return
				}
				versions[w] = append(versions[w], saved.Version)
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent Update() error = %v", err)
	}
	for w, seen := range versions {
		if len(seen) != rounds {
			t.Fatalf("writer %d completed %d of %d writes", w, len(seen), rounds)
		}
		for r, v := range seen {
			if v != item.Version+int64(r)+1 {
				t.Errorf("writer %d round %d stored version %d, want %d", w, r, v, item.Version+int64(r)+1)
			}
		}
	}

	// the stored version can only rise rounds times, every other write is stale
	logger.mu.Lock()
	conflicts := len(logger.warnMessages)
	logger.mu.Unlock()
	if want := writers*rounds - rounds; conflicts < want {
		t.Errorf("expected at least %d logged conflicts, got %d", want, conflicts)
	}

	got, err := s.GetByID(ctx, item.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID() = %v, %v", got, err)
	}
	if got.Version <= item.Version || !strings.HasPrefix(got.Comments, "writer ") {
		t.Errorf("last write lost: %+v", got)
	}
}

func TestGetAllFilters(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, t.TempDir())

	dns := common.ChallengeConfig{ChallengeType: common.ChallengeTypeDNS, ChallengeProvider: "DNS01.API.Route53", ChallengeCredentialKey: "aws"}
	http := common.ChallengeConfig{ChallengeType: common.ChallengeTypeHTTP}

	items := []*common.ManagedCertificate{
		newItem("Shop", dns),
		newItem("blog", http),
		newItem("shop-staging", http),
	}
	items[2].IncludeInAutoRenew = false
	for i, item := range items {
		item.ID = fmt.Sprintf("id%d", i)
		if _, err := s.Update(ctx, item); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter common.ManagedCertificateFilter
		want   []string
	}{
		{"all", common.ManagedCertificateFilter{}, []string{"id0", "id1", "id2"}},
		{"id trimmed and case insensitive", common.ManagedCertificateFilter{ID: " ID1 "}, []string{"id1"}},
		{"name exact", common.ManagedCertificateFilter{Name: "shop"}, []string{"id0"}},
		{"keyword", common.ManagedCertificateFilter{Keyword: "SHOP"}, []string{"id0", "id2"}},
		{"challenge type", common.ManagedCertificateFilter{ChallengeType: common.ChallengeTypeHTTP}, []string{"id1", "id2"}},
		{"provider", common.ManagedCertificateFilter{ChallengeProvider: "DNS01.API.Route53"}, []string{"id0"}},
		{"credential", common.ManagedCertificateFilter{ChallengeCredentialKey: "aws"}, []string{"id0"}},
		{"auto renew only", common.ManagedCertificateFilter{IncludeOnlyAutoRenew: true}, []string{"id0", "id1"}},
		{"max results", common.ManagedCertificateFilter{MaxResults: 2}, []string{"id0", "id1"}},
		{"paging", common.ManagedCertificateFilter{PageSize: 2, PageIndex: 1}, []string{"id2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.GetAll(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			var ids []string
			for _, item := range got {
				ids = append(ids, item.ID)
			}
			if strings.Join(ids, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestDeletes(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, t.TempDir())

	for _, name := range []string{"test-a", "test-b", "prod"} {
		if _, err := s.Update(ctx, newItem(name)); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.DeleteByName(ctx, "test-")
	if err != nil || removed != 2 {
		t.Fatalf("DeleteByName() = %d, %v", removed, err)
	}
	left, _ := s.GetAll(ctx, common.ManagedCertificateFilter{})
	if len(left) != 1 || left[0].Name != "prod" {
		t.Fatalf("unexpected remaining items: %v", left)
	}

	if err := s.Delete(ctx, left[0].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update(ctx, newItem("again")); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteAll(ctx); err != nil {
		t.Fatal(err)
	}
	if left, _ := s.GetAll(ctx, common.ManagedCertificateFilter{}); len(left) != 0 {
		t.Errorf("DeleteAll left %d items", len(left))
	}
}

func TestLegacyImport(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	legacy := `[{"Id":"dup","Name":"first"},{"Id":"dup","Name":"second"},{"Id":"solo","Name":"third","ParentId":"p1"}]`
	if err := os.WriteFile(filepath.Join(dir, LegacyFile), []byte(legacy), 0600); err != nil {
		t.Fatal(err)
	}

	s, _ := openTestStore(t, dir)

	items, err := s.GetAll(ctx, common.ManagedCertificateFilter{})
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]string{}
	for _, item := range items {
		names[item.ID] = item.Name
	}
	want := map[string]string{"dup_0": "first", "dup_1": "second", "solo": "third"}
	for id, name := range want {
		if names[id] != name {
			t.Errorf("item %s = %q, want %q (all: %v)", id, names[id], name, names)
		}
	}

	var parent sql.NullString
	if err := s.db.QueryRowContext(ctx, "SELECT parentid FROM manageditem WHERE id = 'solo'").Scan(&parent); err != nil || parent.String != "p1" {
		t.Errorf("parentid = %v, %v", parent, err)
	}

	if _, err := os.Stat(filepath.Join(dir, LegacyFile)); !os.IsNotExist(err) {
		t.Error("legacy file should have been renamed")
	}
	if _, err := os.Stat(filepath.Join(dir, LegacyFile+".bak")); err != nil {
		t.Errorf("legacy backup missing: %v", err)
	}
}

func TestSchemaUpgradeAddsParentColumn(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	old, err := sql.Open("sqlite", filepath.Join(dir, DatabaseFile))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := old.Exec("CREATE TABLE manageditem (id TEXT NOT NULL UNIQUE PRIMARY KEY, json TEXT NOT NULL)"); err != nil {
		t.Fatal(err)
	}
	if _, err := old.Exec(`INSERT INTO manageditem (id, json) VALUES ('x', '{"Name":"old"}')`); err != nil {
		t.Fatal(err)
	}
	_ = old.Close()

	s, _ := openTestStore(t, dir)

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pragma_table_info('manageditem') WHERE name = 'parentid'").Scan(&count); err != nil || count != 1 {
		t.Errorf("parentid column missing: %d, %v", count, err)
	}
	item, err := s.GetByID(ctx, "x")
	if err != nil || item == nil || item.Name != "old" {
		t.Errorf("existing row not readable: %+v, %v", item, err)
	}
}

func TestBackupRotation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, _ := openTestStore(t, dir)
	if _, err := s.Update(ctx, newItem("delta")); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	s2, _ := openTestStore(t, dir)
	if _, err := os.Stat(s2.Path() + ".bak.old"); err != nil {
		t.Errorf("previous backup should be rotated to .bak.old: %v", err)
	}

	if err := s2.PerformMaintenance(ctx); err != nil {
		t.Fatalf("PerformMaintenance() error = %v", err)
	}
	if items, _ := s2.GetAll(ctx, common.ManagedCertificateFilter{}); len(items) != 1 {
		t.Errorf("items lost during maintenance: %d", len(items))
	}
}

func TestUninitializedStore(t *testing.T) {
	ctx := context.Background()
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	logger := &mockLogger{}
	s := Open(ctx, blocker, Options{Logger: logger})
	if s.IsInitialized() || s.InitError() == nil {
		t.Fatal("store on a file path must not initialize")
	}
	if len(logger.errorMessages) == 0 {
		t.Error("initialization failure should be logged")
	}

	_, err := s.GetAll(ctx, common.ManagedCertificateFilter{})
	if !common.IsErrorType(err, common.ErrorTypeStorageUnavailable) {
		t.Errorf("GetAll() error = %v, want StorageUnavailable", err)
	}
	if _, err := s.Update(ctx, newItem("x")); !common.IsErrorType(err, common.ErrorTypeStorageUnavailable) {
		t.Errorf("Update() error = %v", err)
	}
	if err := s.PerformMaintenance(ctx); !common.IsErrorType(err, common.ErrorTypeStorageUnavailable) {
		t.Errorf("PerformMaintenance() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on uninitialized store = %v", err)
	}
}

func TestWithRetryStopsOnPermanentErrors(t *testing.T) {
	calls := 0
	boom := errors.New("constraint failed")
	err := withRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Errorf("withRetry() = %v after %d calls", err, calls)
	}
}

func TestAcquireTimesOut(t *testing.T) {
	s := &Store{lock: make(chan struct{}, 1), lockTimeout: 10 * time.Millisecond}
	release, err := s.acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	if _, err := s.acquire(context.Background()); err == nil {
		t.Error("second acquire should time out")
	}
}
