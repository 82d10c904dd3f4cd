package cdn

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/cuemby/docsrs-core/pkg/types"
	_ "github.com/lib/pq"
)

type fakeVendor struct {
	purged     []types.SurrogateKey
	submitted  map[string][]string
	nextID     int
	completed  map[string]bool
}

func newFakeVendor() *fakeVendor {
	return &fakeVendor{submitted: make(map[string][]string), completed: make(map[string]bool)}
}

func (f *fakeVendor) PurgeSurrogateKeys(ctx context.Context, keys []types.SurrogateKey) error {
	f.purged = append(f.purged, keys...)
	return nil
}

func (f *fakeVendor) SubmitWildcardInvalidation(ctx context.Context, distributionID string, patterns []string) (string, error) {
	f.nextID++
	id := distributionID + "-inv-" + string(rune('0'+f.nextID))
	f.submitted[id] = patterns
	return id, nil
}

func (f *fakeVendor) InvalidationComplete(ctx context.Context, distributionID, invalidationID string) (bool, error) {
	return f.completed[invalidationID], nil
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping Postgres-backed cdn tests")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(`DROP TABLE IF EXISTS cdn_invalidation_queue CASCADE`); err != nil {
		t.Fatalf("resetting schema: %v", err)
	}
	return db
}

func TestInvalidateCrateEnqueuesWebAndStaticPatterns(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	v := newFakeVendor()

	p, err := New(ctx, db, v, []Distribution{
		{ID: "web-dist", Kind: DistributionWeb},
		{ID: "static-dist", Kind: DistributionStatic},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.InvalidateCrate(ctx, "tokio"); err != nil {
		t.Fatalf("InvalidateCrate: %v", err)
	}

	if len(v.purged) != 1 || v.purged[0] != types.SurrogateKey("tokio") {
		t.Errorf("expected a surrogate-key purge for tokio, got %+v", v.purged)
	}

	var n int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM cdn_invalidation_queue WHERE crate = $1`, "tokio").Scan(&n); err != nil {
		t.Fatalf("counting queue rows: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 2 web + 3 static pattern rows, got %d", n)
	}
}

func TestInvalidateCrateWithNilVendorStillEnqueues(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	p, err := New(ctx, db, nil, []Distribution{{ID: "web-dist", Kind: DistributionWeb}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.InvalidateCrate(ctx, "tokio"); err != nil {
		t.Fatalf("InvalidateCrate: %v", err)
	}

	var n int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM cdn_invalidation_queue`).Scan(&n); err != nil {
		t.Fatalf("counting queue rows: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 web pattern rows even without a vendor, got %d", n)
	}
}
