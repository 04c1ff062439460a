package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/porter/config"
	"github.com/fieldline/porter/engine"
	ptesting "github.com/fieldline/porter/internal/testing"
	"github.com/fieldline/porter/ratelimit"
	"github.com/fieldline/porter/retry"
	"github.com/fieldline/porter/source"
	"github.com/fieldline/porter/state"
	"github.com/fieldline/porter/target"
	"github.com/fieldline/porter/transform"
)

// fixture wires an orchestrator against fake source and target systems and
// an in-memory state store.
type fixture struct {
	stores *engine.Stores
	orch   *engine.Orchestrator

	extractCalls int
	// failExtractCall makes the Nth extract call return a transport error
	// once, simulating a mid-pagination crash
	failExtractCall int

	createdObjects int
	totalRecords   int
	// recordsMissingEmail lists source ids served without the required field
	recordsMissingEmail map[string]bool
	// stopDuringFirstExtract issues an out-of-process stop request while the
	// first extract call is in flight
	stopDuringFirstExtract bool

	// serveManagerIDs adds a manager_id reference to each record: record i
	// points at record i-1, and the first record points at an id that was
	// never migrated
	serveManagerIDs bool
	// associations captures "kind from->to" lines for every association the
	// target accepted
	associations []string
}

func (f *fixture) sourceHandler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"account_id": "acct_test"})
	})

	mux.HandleFunc("/records/count", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]int{"count": f.totalRecords})
	})

	mux.HandleFunc("/records", func(w http.ResponseWriter, r *http.Request) {
		f.extractCalls++
		if f.stopDuringFirstExtract && f.extractCalls == 1 {
			require.NoError(t, f.stores.Runs.RequestStop(f.orch.ActiveRunID()))
		}
		if f.failExtractCall == f.extractCalls {
			f.failExtractCall = 0 // fail once, then recover
			http.Error(w, `{"message":"source connection reset"}`, http.StatusBadGateway)
			return
		}

		limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
		require.NoError(t, err)
		after := r.URL.Query().Get("after")

		start := 0
		if after != "" {
			n, err := strconv.Atoi(after[2:])
			require.NoError(t, err)
			start = n + 1
		}

		var records []map[string]interface{}
		for i := start; i < f.totalRecords && len(records) < limit; i++ {
			id := fmt.Sprintf("c_%04d", i)
			fields := map[string]interface{}{"first_name": fmt.Sprintf("User%d", i)}
			if !f.recordsMissingEmail[id] {
				fields["email"] = fmt.Sprintf("user%d@acme.test", i)
			}
			if f.serveManagerIDs {
				if i == 0 {
					fields["manager_id"] = "c_9999" // never migrated
				} else {
					fields["manager_id"] = fmt.Sprintf("c_%04d", i-1)
				}
			}
			records = append(records, map[string]interface{}{"id": id, "fields": fields})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"records": records})
	})

	return mux
}

func (f *fixture) targetHandler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/objects/contacts/batch", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req struct {
				Inputs []map[string]interface{} `json:"inputs"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.LessOrEqual(t, len(req.Inputs), 100, "chunk exceeded the API maximum")

			results := make([]map[string]string, len(req.Inputs))
			for i := range req.Inputs {
				f.createdObjects++
				results[i] = map[string]string{"id": fmt.Sprintf("%d", 9000+f.createdObjects)}
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"results": results})
		case http.MethodPatch:
			w.WriteHeader(http.StatusOK)
		}
	})

	mux.HandleFunc("/objects/contacts", func(w http.ResponseWriter, r *http.Request) {
		f.createdObjects++
		json.NewEncoder(w).Encode(map[string]string{"id": fmt.Sprintf("%d", 9000+f.createdObjects)})
	})

	mux.HandleFunc("/associations", func(w http.ResponseWriter, r *http.Request) {
		var assoc struct {
			FromType string `json:"from_type"`
			FromID   string `json:"from_id"`
			ToType   string `json:"to_type"`
			ToID     string `json:"to_id"`
			Kind     string `json:"kind"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&assoc))
		f.associations = append(f.associations,
			fmt.Sprintf("%s %s/%s->%s/%s", assoc.Kind, assoc.FromType, assoc.FromID, assoc.ToType, assoc.ToID))
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

func contactsMigration(t *testing.T) *engine.EntityMigration {
	t.Helper()
	table, err := transform.NewTable("contacts", []transform.FieldMapping{
		{Source: "email", Target: "email", Required: true},
		{Source: "first_name", Target: "firstname"},
	})
	require.NoError(t, err)

	migration, err := engine.NewEntityMigration("crm-contacts", engine.EntitySpec{
		EntityType:   "contacts",
		SourceEntity: "contacts",
		SourceType:   "contact",
		Table:        table,
		Strategy:     target.HardStop,
	})
	require.NoError(t, err)
	return migration
}

// managedContactsMigration links each contact to its manager through the
// manager_id reference field.
func managedContactsMigration(t *testing.T) *engine.EntityMigration {
	t.Helper()
	table, err := transform.NewTable("contacts", []transform.FieldMapping{
		{Source: "email", Target: "email", Required: true},
		{Source: "first_name", Target: "firstname"},
	})
	require.NoError(t, err)

	migration, err := engine.NewEntityMigration("crm-contacts-managed", engine.EntitySpec{
		EntityType:   "contacts",
		SourceEntity: "contacts",
		SourceType:   "contact",
		Table:        table,
		Strategy:     target.HardStop,
		Links: []engine.LinkRule{
			{SourceField: "manager_id", ToSourceType: "contact", Kind: "reports_to"},
		},
	})
	require.NoError(t, err)
	return migration
}

func newFixture(t *testing.T, totalRecords int) *fixture {
	t.Helper()
	f := &fixture{totalRecords: totalRecords, recordsMissingEmail: map[string]bool{}}

	srcServer := httptest.NewServer(f.sourceHandler(t))
	t.Cleanup(srcServer.Close)
	tgtServer := httptest.NewServer(f.targetHandler(t))
	t.Cleanup(tgtServer.Close)

	db := ptesting.CreateTestDB(t)
	f.stores = engine.NewStores(db)

	src := source.NewClient(config.SourceConfig{
		BaseURL:            srcServer.URL,
		ConnectMaxAttempts: 2,
		TimeoutSeconds:     5,
	}, ratelimit.NewLimiter(1000, 1000))
	src.ConnectPolicy.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	api := target.NewAPI(config.TargetConfig{
		BaseURL:        tgtServer.URL,
		TimeoutSeconds: 5,
	}, ratelimit.NewLimiter(1000, 1000))
	loader := target.NewLoader(api, f.stores.Mappings, 100, retry.Policy{MaxAttempts: 1})

	registry := engine.NewRegistry()
	registry.Register(contactsMigration(t))
	registry.Register(managedContactsMigration(t))

	f.orch = engine.NewOrchestrator(config.EngineConfig{
		PollIntervalSeconds: 1,
		BatchSize:           100,
		RetryMaxAttempts:    2,
	}, registry, f.stores, src, loader)

	return f
}

func queueRun(t *testing.T, f *fixture, kind string) *state.Run {
	t.Helper()
	run, err := state.NewRun(kind, nil)
	require.NoError(t, err)
	require.NoError(t, f.stores.Runs.Create(run))
	return run
}

func TestRunProcesses250RecordsToCompletion(t *testing.T) {
	f := newFixture(t, 250)
	run := queueRun(t, f, "crm-contacts")

	f.orch.RunOnce(context.Background())

	got, err := f.stores.Runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusCompleted, got.Status)

	progress, err := f.stores.Progress.Get(run.ID, "contacts")
	require.NoError(t, err)
	assert.Equal(t, 250, progress.ProcessedRecords)
	assert.Equal(t, 0, progress.FailedRecords)
	assert.Equal(t, state.ProgressStatusCompleted, progress.Status)
	require.NotNil(t, progress.TotalRecords)
	assert.Equal(t, 250, *progress.TotalRecords)

	// 100, 100, 50: the short third batch signals exhaustion
	assert.Equal(t, 3, f.extractCalls)

	counts, err := f.stores.Mappings.CountByType()
	require.NoError(t, err)
	assert.Equal(t, 250, counts["contact"])
}

func TestRunFailsOnUnknownMigrationKind(t *testing.T) {
	f := newFixture(t, 10)
	run := queueRun(t, f, "no-such-kind")

	f.orch.RunOnce(context.Background())

	got, err := f.stores.Runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusFailed, got.Status)
	assert.Contains(t, got.Notes, "no-such-kind")

	// failed before any I/O
	assert.Zero(t, f.extractCalls)
}

func TestRunFailureDoesNotStopNextRun(t *testing.T) {
	f := newFixture(t, 10)
	bad := queueRun(t, f, "no-such-kind")
	good := queueRun(t, f, "crm-contacts")

	f.orch.RunOnce(context.Background())
	f.orch.RunOnce(context.Background())

	badRun, err := f.stores.Runs.Get(bad.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusFailed, badRun.Status)

	goodRun, err := f.stores.Runs.Get(good.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusCompleted, goodRun.Status)
}

func TestValidationFailureIsIsolated(t *testing.T) {
	f := newFixture(t, 10)
	f.recordsMissingEmail["c_0003"] = true
	run := queueRun(t, f, "crm-contacts")

	f.orch.RunOnce(context.Background())

	got, err := f.stores.Runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusCompleted, got.Status)

	progress, err := f.stores.Progress.Get(run.ID, "contacts")
	require.NoError(t, err)
	assert.Equal(t, 9, progress.ProcessedRecords)
	assert.Equal(t, 1, progress.FailedRecords)

	// exactly one record error, and the record is absent from id_mappings
	errs, err := f.stores.RecordErrors.ListForRun(run.ID, 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "c_0003", errs[0].SourceID)
	assert.Contains(t, errs[0].Message, "email")

	_, err = f.stores.Mappings.Get("c_0003", "contact")
	require.Error(t, err)

	counts, err := f.stores.Mappings.CountByType()
	require.NoError(t, err)
	assert.Equal(t, 9, counts["contact"])
}

func TestRunCreatesAssociationsForConfirmedRecords(t *testing.T) {
	f := newFixture(t, 10)
	f.serveManagerIDs = true
	run := queueRun(t, f, "crm-contacts-managed")

	f.orch.RunOnce(context.Background())

	got, err := f.stores.Runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusCompleted, got.Status)

	// nine resolvable manager references; the first record's manager was
	// never migrated and is skipped, not failed
	require.Len(t, f.associations, 9)
	assert.Contains(t, f.associations, "reports_to contacts/9002->contacts/9001")

	progress, err := f.stores.Progress.Get(run.ID, "contacts")
	require.NoError(t, err)
	assert.Equal(t, 10, progress.ProcessedRecords)
	assert.Equal(t, 0, progress.FailedRecords)
	assert.Equal(t, 1, progress.SkippedRecords)

	errs, err := f.stores.RecordErrors.ListForRun(run.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestCrashResumeYieldsSameMappingSet(t *testing.T) {
	f := newFixture(t, 250)
	run := queueRun(t, f, "crm-contacts")

	// second extract call dies mid-pagination: first batch committed,
	// cursor persisted, run failed
	f.failExtractCall = 2
	f.orch.RunOnce(context.Background())

	got, err := f.stores.Runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusFailed, got.Status)
	assert.Contains(t, got.Notes, "source connection reset")

	progress, err := f.stores.Progress.Get(run.ID, "contacts")
	require.NoError(t, err)
	assert.Equal(t, 100, progress.ProcessedRecords)
	assert.Equal(t, "c_0099", progress.LastCursor)

	// manual recovery: requeue and re-execute to completion
	got.Requeue()
	require.NoError(t, f.stores.Runs.Update(got))
	f.orch.RunOnce(context.Background())

	final, err := f.stores.Runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusCompleted, final.Status)

	// same final mapping set as an uninterrupted run: one per record
	counts, err := f.stores.Mappings.CountByType()
	require.NoError(t, err)
	assert.Equal(t, 250, counts["contact"])

	progress, err = f.stores.Progress.Get(run.ID, "contacts")
	require.NoError(t, err)
	assert.Equal(t, 250, progress.ProcessedRecords)
}

func TestRecordBudgetStopsEarly(t *testing.T) {
	f := newFixture(t, 250)
	f.orch.SetConfig(config.EngineConfig{
		PollIntervalSeconds: 1,
		BatchSize:           100,
		MaxRecords:          100,
	})
	run := queueRun(t, f, "crm-contacts")

	f.orch.RunOnce(context.Background())

	got, err := f.stores.Runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusCompleted, got.Status)

	progress, err := f.stores.Progress.Get(run.ID, "contacts")
	require.NoError(t, err)
	assert.Equal(t, 100, progress.ProcessedRecords)
	assert.Equal(t, 1, f.extractCalls)
}

func TestAuditTrailRecordsLifecycle(t *testing.T) {
	f := newFixture(t, 10)
	run := queueRun(t, f, "crm-contacts")

	f.orch.RunOnce(context.Background())

	entries, err := f.stores.Audit.ListForRun(run.ID, 50)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	actions := make([]string, len(entries))
	for i, e := range entries {
		actions[i] = e.Action
	}
	assert.Equal(t, state.AuditActionRunStarted, actions[0])
	assert.Contains(t, actions, state.AuditActionBatchLoaded)
	assert.Contains(t, actions, state.AuditActionEntityDone)
	assert.Equal(t, state.AuditActionRunCompleted, actions[len(actions)-1])
}

func TestRegistryPanicsOnDuplicateKind(t *testing.T) {
	registry := engine.NewRegistry()
	registry.Register(contactsMigration(t))

	assert.Panics(t, func() {
		registry.Register(contactsMigration(t))
	})
}

func TestRegistryResolveUnknownKind(t *testing.T) {
	registry := engine.NewRegistry()

	_, err := registry.Resolve("nope")
	require.Error(t, err)
}

func TestExternalStopPausesAtBatchBoundary(t *testing.T) {
	f := newFixture(t, 250)
	f.stopDuringFirstExtract = true
	run := queueRun(t, f, "crm-contacts")

	f.orch.RunOnce(context.Background())

	// the in-flight batch completed, then the stop was honored
	got, err := f.stores.Runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusPaused, got.Status)

	progress, err := f.stores.Progress.Get(run.ID, "contacts")
	require.NoError(t, err)
	assert.Equal(t, 100, progress.ProcessedRecords)
	assert.Equal(t, "c_0099", progress.LastCursor)
	assert.Equal(t, 1, f.extractCalls)

	// resuming picks up from the persisted cursor
	got.Requeue()
	require.NoError(t, f.stores.Runs.Update(got))
	f.orch.RunOnce(context.Background())

	final, err := f.stores.Runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusCompleted, final.Status)

	counts, err := f.stores.Mappings.CountByType()
	require.NoError(t, err)
	assert.Equal(t, 250, counts["contact"])
}

func TestStopRunOnlyTargetsExecutingRun(t *testing.T) {
	f := newFixture(t, 10)
	run := queueRun(t, f, "crm-contacts")

	err := f.orch.StopRun(run.ID)
	require.Error(t, err) // nothing executing yet
	assert.Empty(t, f.orch.ActiveRunID())
}
