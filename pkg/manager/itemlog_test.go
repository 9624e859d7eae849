package manager

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

func TestItemLogAppendAndRead(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l := NewItemLog(dir)

	if err := l.Append("abc", common.LogItemCertificateRequestStarted, "Renewal started"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := l.Append("abc", common.LogItemCertificateRequestFailed, "Renewal failed"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if l.LogPath("abc") != filepath.Join(dir, "log_abc.txt") {
		t.Errorf("LogPath() = %s", l.LogPath("abc"))
	}

	content, err := l.Read("abc")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Renewal started", "type=CertificateRequestStarted", "level=ERROR", "Renewal failed"} {
		if !strings.Contains(content, want) {
			t.Errorf("log missing %q:\n%s", want, content)
		}
	}

	if content, err := l.Read("other"); err != nil || content != "" {
		t.Errorf("Read() of missing log = %q, %v", content, err)
	}
}

func TestItemLogTruncatesLargeFiles(t *testing.T) {
	dir := t.TempDir()
	l := NewItemLog(dir)

	big := strings.Repeat("x", MaxItemLogSize+1)
	if err := os.WriteFile(l.LogPath("big"), []byte(big), 0644); err != nil {
		t.Fatal(err)
	}
	if err := l.Append("big", common.LogItemGeneralInfo, "fresh start"); err != nil {
		t.Fatal(err)
	}

	content, _ := l.Read("big")
	if len(content) >= MaxItemLogSize || !strings.Contains(content, "fresh start") {
		t.Errorf("log was not truncated (len %d)", len(content))
	}
}

func TestItemLogIgnoresEmptyID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	if err := NewItemLog(dir).Append("", common.LogItemGeneralInfo, "nothing"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("no directory should be created for an empty id")
	}
}
