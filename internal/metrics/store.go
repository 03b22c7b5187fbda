package metrics

import (
	"context"
	"strings"
	"time"

	"github.com/graphkb/graphkb/internal/model"
)

// Store matches the command surface of the session pool.
type Store interface {
	Command(ctx context.Context, sql string, params map[string]any) ([]model.Record, error)
}

type instrumentedStore struct {
	store Store
	m     *Metrics
}

// InstrumentStore wraps a store so every statement is counted, timed, and
// reflected in the sessions-in-use gauge while it runs.
func (m *Metrics) InstrumentStore(store Store) Store {
	return &instrumentedStore{store: store, m: m}
}

func (s *instrumentedStore) Command(ctx context.Context, sql string, params map[string]any) ([]model.Record, error) {
	kind := statementKind(sql)
	s.m.SessionsInUse.Inc()
	start := time.Now()
	records, err := s.store.Command(ctx, sql, params)
	s.m.SessionsInUse.Dec()
	s.m.RecordStoreCommand(kind, time.Since(start), err)
	return records, err
}

// statementKind extracts the leading SQL verb for the metric label.
func statementKind(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToLower(fields[0])
}
