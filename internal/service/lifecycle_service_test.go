package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sis-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/sis-enrollment-api/pkg/errors"
)

type mockSweeper struct {
	orphans []string
	notes   []string
}

// DeactivateOrphans drains the orphan set, mirroring the guarded UPDATE: a
// second pass over already-deactivated sections matches no rows.
func (m *mockSweeper) DeactivateOrphans(ctx context.Context, termID, note string) ([]string, error) {
	m.notes = append(m.notes, note)
	out := m.orphans
	m.orphans = nil
	return out, nil
}

type mockCanceller struct {
	counts map[string]int
	calls  []string
}

func (m *mockCanceller) CancelActiveBySection(ctx context.Context, sectionID string) (int, error) {
	m.calls = append(m.calls, sectionID)
	return m.counts[sectionID], nil
}

func TestLifecycleServiceSync(t *testing.T) {
	sweeper := &mockSweeper{orphans: []string{"sec-1", "sec-2"}}
	canceller := &mockCanceller{counts: map[string]int{"sec-1": 3, "sec-2": 1}}
	terms := &mockTermReader{terms: map[string]models.Term{"term-1": testTerm()}}
	cache := &fakeCache{}
	metrics := &recordingMetrics{}
	svc := NewLifecycleService(sweeper, canceller, terms, cache, metrics, nil)

	result, err := svc.Sync(context.Background(), "term-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"sec-1", "sec-2"}, result.DeactivatedSectionIDs)
	assert.Equal(t, 4, result.CancelledRegistrations)
	assert.Equal(t, []string{"sec-1", "sec-2"}, canceller.calls)
	assert.Len(t, cache.deleted, 2)
	require.Len(t, metrics.sweeps, 1)
	assert.Equal(t, [2]int{2, 4}, metrics.sweeps[0])
}

func TestLifecycleServiceSyncIdempotent(t *testing.T) {
	sweeper := &mockSweeper{orphans: []string{"sec-1"}}
	canceller := &mockCanceller{counts: map[string]int{"sec-1": 2}}
	terms := &mockTermReader{terms: map[string]models.Term{"term-1": testTerm()}}
	svc := NewLifecycleService(sweeper, canceller, terms, nil, nil, nil)

	first, err := svc.Sync(context.Background(), "term-1")
	require.NoError(t, err)
	assert.Len(t, first.DeactivatedSectionIDs, 1)
	assert.Equal(t, 2, first.CancelledRegistrations)

	second, err := svc.Sync(context.Background(), "term-1")
	require.NoError(t, err)
	assert.Empty(t, second.DeactivatedSectionIDs)
	assert.Zero(t, second.CancelledRegistrations)
}

func TestLifecycleServiceSyncDefaultsToCurrentTerm(t *testing.T) {
	sweeper := &mockSweeper{}
	canceller := &mockCanceller{}
	terms := &mockTermReader{terms: map[string]models.Term{"term-1": testTerm()}}
	svc := NewLifecycleService(sweeper, canceller, terms, nil, nil, nil)

	result, err := svc.Sync(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "term-1", result.TermID)
}

func TestLifecycleServiceSyncUnknownTerm(t *testing.T) {
	svc := NewLifecycleService(&mockSweeper{}, &mockCanceller{}, &mockTermReader{terms: map[string]models.Term{}}, nil, nil, nil)

	_, err := svc.Sync(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}
