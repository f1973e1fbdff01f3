//go:build integration

package integration

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/admin-export/internal/testutil"
	"github.com/Sternrassler/admin-export/pkg/account"
	"github.com/Sternrassler/admin-export/pkg/client"
	"github.com/Sternrassler/admin-export/pkg/dedup"
	"github.com/Sternrassler/admin-export/pkg/export"
	"github.com/Sternrassler/admin-export/pkg/pagination"
	"github.com/Sternrassler/admin-export/pkg/ratelimit"
	"github.com/Sternrassler/admin-export/pkg/sink"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const target = "example.atlassian.net"

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// chain configures pages pages of one account each, ending without a
// cursor. Every page repeats account "dup" with a later timestamp.
func chain(mock *testutil.MockAdminAPI, pages int) {
	for i := 0; i < pages; i++ {
		cursor := ""
		if i > 0 {
			cursor = fmt.Sprintf("c%d", i)
		}
		next := ""
		if i < pages-1 {
			next = fmt.Sprintf("c%d", i+1)
		}
		mock.SetPage(cursor, testutil.MockPage{
			Records: []any{
				testutil.Account(fmt.Sprintf("u%d", i), "active", testutil.Product("jira", target, "2024-01-01T00:00:00.000Z")),
				testutil.Account("dup", "active", testutil.Product("jira", target, fmt.Sprintf("2024-01-%02dT00:00:00.000Z", i+1))),
			},
			NextCursor: next,
		})
	}
}

func newExporter(t *testing.T, rdb *redis.Client, key string, mock *testutil.MockAdminAPI, output string) *export.Exporter {
	t.Helper()
	logger := zerolog.Nop()

	limiter, err := ratelimit.NewRedisWindow(rdb, key, 2, 300*time.Millisecond, logger)
	if err != nil {
		t.Fatalf("NewRedisWindow() error = %v", err)
	}

	cfg := client.DefaultConfig("org-1", "token")
	cfg.BaseURL = mock.URL()
	c, err := client.New(cfg, limiter, logger)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	w, err := sink.NewCSVWriter(output, sink.DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("NewCSVWriter() error = %v", err)
	}

	exp, err := export.New(
		pagination.New(c, pagination.DefaultConfig(), logger),
		account.NewProcessor(target),
		dedup.New(),
		w,
		export.DefaultConfig(),
		logger,
	)
	if err != nil {
		t.Fatalf("export.New() error = %v", err)
	}
	return exp
}

// TestExport_SharedRedisLimit runs two exports against one Redis window
// and checks that together they stay under the ceiling.
func TestExport_SharedRedisLimit(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockAdminAPI("org-1")
	defer mock.Close()
	chain(mock, 3)

	dir := t.TempDir()
	key := "admin-export:ratelimit:test-shared"

	var (
		wg      sync.WaitGroup
		results [2]export.Result
		errs    [2]error
	)
	start := time.Now()
	for i := 0; i < 2; i++ {
		exp := newExporter(t, rdb, key, mock, filepath.Join(dir, fmt.Sprintf("run%d.csv", i)))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = exp.Run(context.Background())
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("run %d error = %v", i, errs[i])
		}
		if results[i].Rows != 4 {
			t.Errorf("run %d rows = %d, want 4", i, results[i].Rows)
		}
	}

	// Six requests at two per 300ms need at least two full windows.
	if floor := 600*time.Millisecond - 30*time.Millisecond; elapsed < floor {
		t.Errorf("six requests finished in %v, want at least %v", elapsed, floor)
	}
	if mock.RequestCount() != 6 {
		t.Errorf("requests = %d, want 6", mock.RequestCount())
	}
}

// TestExport_DedupAcrossPages checks the latest timestamp wins in the file.
func TestExport_DedupAcrossPages(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockAdminAPI("org-1")
	defer mock.Close()
	chain(mock, 3)

	output := filepath.Join(t.TempDir(), "managed_accounts.csv")
	if _, err := newExporter(t, rdb, "admin-export:ratelimit:test-dedup", mock, output).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	f, err := os.Open(output)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read output: %v", err)
	}

	var dup []string
	for _, r := range records[1:] {
		if r[0] == "dup" {
			if dup != nil {
				t.Fatal("account dup exported more than once")
			}
			dup = r
		}
	}
	if dup == nil || dup[10] != "2024-01-03T00:00:00.000Z" {
		t.Errorf("dup row = %v, want last_active from page 3", dup)
	}
}
