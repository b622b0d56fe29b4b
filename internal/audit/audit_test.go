package audit

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/teststand-core/internal/infrastructure/database"
	"github.com/nerrad567/teststand-core/migrations"
)

func openTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{
		Path:        filepath.Join(t.TempDir(), "audit.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func TestCreateAndList(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	entries := []*Entry{
		{Action: "set_power", Entity: "rf_generator", Source: SourceAPI, Details: map[string]any{"watts": float64(300)}, CreatedAt: base},
		{Action: "enable", Entity: "rf_generator", Source: SourceAPI, CreatedAt: base.Add(time.Second)},
		{Action: "set_voltage", Entity: "hvps/EX", Source: SourceAPI, Error: "hvps: device rejected command", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, e := range entries {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if !strings.HasPrefix(e.ID, "aud-") {
			t.Errorf("ID = %q, want aud- prefix", e.ID)
		}
	}

	if entries[2].Outcome != OutcomeFailure {
		t.Errorf("Outcome with error = %q, want %q", entries[2].Outcome, OutcomeFailure)
	}

	result, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 3 || len(result.Entries) != 3 {
		t.Fatalf("List() total=%d len=%d, want 3", result.Total, len(result.Entries))
	}
	if result.Limit != defaultLimit {
		t.Errorf("Limit = %d, want %d", result.Limit, defaultLimit)
	}
	if result.Entries[0].Action != "set_voltage" {
		t.Errorf("first entry = %q, want most recent first", result.Entries[0].Action)
	}

	last := result.Entries[2]
	if got := last.Details["watts"]; got != float64(300) {
		t.Errorf("Details[watts] = %v, want 300", got)
	}
	if !last.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", last.CreatedAt, base)
	}
}

func TestListFilters(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	for i := range 5 {
		e := &Entry{Action: "set_frequency", Entity: "rf_generator", Source: SourceAPI}
		if i%2 == 1 {
			e.Entity = "hvps/EX"
			e.Action = "set_voltage"
		}
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	tests := []struct {
		name      string
		filter    Filter
		wantTotal int
		wantLen   int
	}{
		{"by entity", Filter{Entity: "hvps/EX"}, 2, 2},
		{"by action", Filter{Action: "set_frequency"}, 3, 3},
		{"by outcome", Filter{Outcome: OutcomeFailure}, 0, 0},
		{"paged", Filter{Limit: 2, Offset: 4}, 5, 1},
		{"limit clamped", Filter{Limit: 1000}, 5, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if result.Total != tt.wantTotal || len(result.Entries) != tt.wantLen {
				t.Errorf("total=%d len=%d, want %d/%d", result.Total, len(result.Entries), tt.wantTotal, tt.wantLen)
			}
			if result.Limit > maxLimit {
				t.Errorf("Limit = %d exceeds max", result.Limit)
			}
		})
	}
}

type memRepo struct {
	mu      sync.Mutex
	entries []Entry
	fail    bool
}

func (m *memRepo) Create(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memRepo) List(context.Context, Filter) (*ListResult, error) {
	return &ListResult{}, nil
}

func (m *memRepo) snapshot() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

func TestRecorder_DrainsOnCancel(t *testing.T) {
	repo := &memRepo{}
	rec := NewRecorder(repo, SourceAPI)

	ctx := WithRequestID(context.Background(), "req-42")
	rec.Record(ctx, "set_power", "rf_generator", map[string]any{"watts": 100}, nil)
	rec.Record(ctx, "enable", "rf_generator", nil, errors.New("transport: timeout"))

	runCtx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Run(runCtx)

	select {
	case <-rec.Done():
	default:
		t.Fatal("Done() not closed after Run returned")
	}

	got := repo.snapshot()
	if len(got) != 2 {
		t.Fatalf("recorded %d entries, want 2", len(got))
	}
	if got[0].RequestID != "req-42" || got[0].Source != SourceAPI || got[0].Outcome != OutcomeSuccess {
		t.Errorf("first entry = %+v", got[0])
	}
	if got[1].Outcome != OutcomeFailure || got[1].Error != "transport: timeout" {
		t.Errorf("second entry = %+v", got[1])
	}
}

type countingLogger struct {
	mu     sync.Mutex
	warns  int
	errors int
}

func (l *countingLogger) Warn(string, ...any) {
	l.mu.Lock()
	l.warns++
	l.mu.Unlock()
}

func (l *countingLogger) Error(string, ...any) {
	l.mu.Lock()
	l.errors++
	l.mu.Unlock()
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	repo := &memRepo{}
	rec := NewRecorder(repo, SourceAPI)
	logger := &countingLogger{}
	rec.SetLogger(logger)

	for range recorderChanSize + 3 {
		rec.Record(context.Background(), "disable", "rf_generator", nil, nil)
	}
	if logger.warns != 3 {
		t.Errorf("warns = %d, want 3", logger.warns)
	}
}

func TestRecorder_WriteFailureLogged(t *testing.T) {
	repo := &memRepo{fail: true}
	rec := NewRecorder(repo, SourceAPI)
	logger := &countingLogger{}
	rec.SetLogger(logger)

	rec.Record(context.Background(), "autotune", "rf_generator", nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Run(ctx)

	if logger.errors != 1 {
		t.Errorf("errors = %d, want 1", logger.errors)
	}
}

func TestRecorder_Nil(t *testing.T) {
	var rec *Recorder
	rec.Record(context.Background(), "enable", "rf_generator", nil, nil)
}
