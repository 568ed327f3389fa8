package service_test

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/thirdplace/server/internal/db"
	"github.com/thirdplace/server/internal/logger"
	"github.com/thirdplace/server/internal/thirdplace/catalog"
	"github.com/thirdplace/server/internal/thirdplace/lockgw"
	"github.com/thirdplace/server/internal/thirdplace/service"
	"github.com/thirdplace/server/internal/thirdplace/store"
	"github.com/thirdplace/server/internal/thirdplace/store/memory"
	"github.com/thirdplace/server/internal/thirdplace/store/sqlite"
	"github.com/thirdplace/server/internal/thirdplace/types"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type referenceStore interface {
	store.ReferenceStore
	store.ReferenceWriter
}

type fixture struct {
	clock      *testClock
	refs       referenceStore
	coverage   store.CoverageStore
	queue      *lockgw.MemoryQueue
	dispatcher *lockgw.Dispatcher
	kisi       *lockgw.Kisi
	schlage    *lockgw.Schlage
	qr         *lockgw.GenericQR
	envelopes  *service.EnvelopeService
	access     *service.AccessService
	quotes     *service.QuoteService
}

// newFixture wires the services over in-memory stores seeded with the
// default catalog.  The clock starts at t0.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	return buildFixture(t, memory.NewReferenceStore(), memory.NewCoverageStore())
}

// newSQLiteFixture is newFixture over a private in-memory SQLite database.
func newSQLiteFixture(t *testing.T) *fixture {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := sql.Open("sqlite", db.DSN("svc_"+name)+"&mode=memory&cache=shared")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)
	require.NoError(t, db.Migrate(context.Background(), conn))

	writer := db.NewWorker(conn)
	t.Cleanup(func() {
		writer.Close()
		conn.Close()
	})
	return buildFixture(t, sqlite.NewReferenceStore(conn, writer), sqlite.NewCoverageStore(writer))
}

func buildFixture(t *testing.T, refs referenceStore, coverage store.CoverageStore) *fixture {
	t.Helper()
	ctx := context.Background()

	cat, err := catalog.Default()
	require.NoError(t, err)
	require.NoError(t, cat.Seed(ctx, refs))

	f := &fixture{
		clock:    &testClock{now: t0},
		refs:     refs,
		coverage: coverage,
		queue:    lockgw.NewMemoryQueue(),
	}
	f.kisi = lockgw.NewKisi("kisi-test-key", f.clock.Now)
	f.schlage = lockgw.NewSchlage("schlage-test-key", f.clock.Now)
	f.qr, err = lockgw.NewGenericQR("qr-test-secret", f.clock.Now)
	require.NoError(t, err)

	reg, err := lockgw.NewRegistry(map[string]lockgw.Gateway{
		types.GenericVendor: f.qr,
		"kisi":              f.kisi,
		"schlage":           f.schlage,
		"broken":            lockgw.NewKisi("", f.clock.Now),
	})
	require.NoError(t, err)

	f.dispatcher = lockgw.NewDispatcher(reg, f.queue, lockgw.DispatcherConfig{}, logger.Discard())
	f.dispatcher.SetClock(f.clock.Now)

	deps := service.Deps{
		References:         refs,
		Coverage:           coverage,
		Gateways:           reg,
		Revocations:        f.dispatcher,
		Logger:             logger.Discard(),
		CertificateBaseURL: "https://certs.test/",
		Clock:              f.clock.Now,
	}
	f.envelopes = service.NewEnvelopeService(deps)
	f.access = service.NewAccessService(deps)
	f.quotes = service.NewQuoteService(refs)
	return f
}

// createReq is a valid passive-event request for t0+1h..t0+4h.
func createReq(capacity int) service.CreateEnvelopeRequest {
	return service.CreateEnvelopeRequest{
		PolicyRootID:       "policy-demo",
		ActivityCategoryID: "cat-passive",
		SpaceID:            "space-demo",
		StewardID:          "steward-1",
		PlatformEntityID:   "platform-1",
		AttendanceCap:      capacity,
		DurationMinutes:    180,
		ValidFrom:          t0.Add(time.Hour),
		ValidUntil:         t0.Add(4 * time.Hour),
		Metadata:           types.EventMetadata{DeclaredActivity: "Board games night"},
	}
}

func (f *fixture) mustCreate(t *testing.T, capacity int) types.CoverageEnvelope {
	t.Helper()
	env, err := f.envelopes.Create(context.Background(), createReq(capacity))
	require.NoError(t, err)
	return env
}

func (f *fixture) mustIssue(t *testing.T, envelopeID, lockID string) service.IssuedGrant {
	t.Helper()
	issued, err := f.access.IssueGrant(context.Background(), service.IssueGrantRequest{
		EnvelopeID: envelopeID,
		LockID:     lockID,
	})
	require.NoError(t, err)
	return issued
}

// enterWindow moves the clock inside the window createReq asks for.
func (f *fixture) enterWindow() {
	f.clock.Set(t0.Add(90 * time.Minute))
}

func (f *fixture) envelopeCount(t *testing.T) int {
	t.Helper()
	var n int
	err := f.coverage.WithTx(context.Background(), func(ctx context.Context, tx store.CoverageTx) error {
		all, err := tx.ListEnvelopesByStatus(ctx,
			types.EnvelopePending, types.EnvelopeActive, types.EnvelopeVoided,
			types.EnvelopeExpired, types.EnvelopeClaimOpen)
		n = len(all)
		return err
	})
	require.NoError(t, err)
	return n
}

func (f *fixture) grantsOf(t *testing.T, envelopeID string) []types.AccessGrant {
	t.Helper()
	var out []types.AccessGrant
	err := f.coverage.WithTx(context.Background(), func(ctx context.Context, tx store.CoverageTx) error {
		var err error
		out, err = tx.ListGrantsByEnvelope(ctx, envelopeID)
		return err
	})
	require.NoError(t, err)
	return out
}

func (f *fixture) queued(t *testing.T) int {
	t.Helper()
	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	return n
}
