package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dealescrow/native/deal"
	"dealescrow/services/coordinator"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "escrowd.yaml")
	body := fmt.Sprintf(`environment: test
ledger:
  url: http://127.0.0.1:1
custody:
  master_secret: escrowd-test-master-secret
storage:
  records_path: %s
  mirror_path: %s
  books_dsn: %s
settlement:
  export_dir: %s
`,
		filepath.Join(dir, "data", "coordinator.db"),
		filepath.Join(dir, "data", "mirror.bolt"),
		filepath.Join(dir, "books.db"),
		filepath.Join(dir, "reports"))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// The journal store and the gorm books share one SQLite driver; opening both
// in the same binary must not panic.
func TestBuildOpensEveryStore(t *testing.T) {
	dir := t.TempDir()
	cfg, err := coordinator.LoadConfig(writeConfig(t, dir))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	d, err := build(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer d.Close()

	rec := httptest.NewRecorder()
	d.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}

	unknown := deal.DealIDHex(deal.DealIDFromBusinessID("never-created"))
	rec = httptest.NewRecorder()
	d.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/escrows/"+unknown, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status of unknown deal: %d %s", rec.Code, rec.Body.String())
	}

	end := time.Now().UTC()
	report, err := d.svc.Export(context.Background(), end.Add(-time.Hour), end, cfg.Settlement.ExportDir)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if report.Rows != 0 {
		t.Fatalf("expected an empty report, got %d rows", report.Rows)
	}
	if _, err := os.Stat(report.ParquetPath); err != nil {
		t.Fatalf("parquet report: %v", err)
	}
}
