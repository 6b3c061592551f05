package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sis-enrollment-api/internal/models"
	"github.com/noah-isme/sis-enrollment-api/internal/repository"
	appErrors "github.com/noah-isme/sis-enrollment-api/pkg/errors"
)

type mockTermRepo struct {
	mockTermReader
	registrations map[string]int
	current       string
	deleted       []string
}

func (m *mockTermRepo) List(ctx context.Context, filter models.TermFilter) ([]models.Term, int, error) {
	out := make([]models.Term, 0, len(m.terms))
	for _, t := range m.terms {
		out = append(out, t)
	}
	return out, len(out), nil
}

func (m *mockTermRepo) Create(ctx context.Context, term *models.Term) error {
	if term.ID == "" {
		term.ID = "generated"
	}
	if m.terms == nil {
		m.terms = make(map[string]models.Term)
	}
	m.terms[term.ID] = *term
	return nil
}

func (m *mockTermRepo) Update(ctx context.Context, term *models.Term) error {
	m.terms[term.ID] = *term
	return nil
}

func (m *mockTermRepo) SetCurrent(ctx context.Context, id string) error {
	for key, t := range m.terms {
		t.IsCurrent = key == id
		m.terms[key] = t
	}
	m.current = id
	return nil
}

func (m *mockTermRepo) CountReferences(ctx context.Context, id string) (int, error) {
	return m.registrations[id], nil
}

func (m *mockTermRepo) Delete(ctx context.Context, id string) error {
	if _, ok := m.terms[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.terms, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func validTermRequest() TermRequest {
	return TermRequest{
		Name:               "Fall 2025",
		AcademicYear:       "2025/2026",
		StartDate:          time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
		EndDate:            time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC),
		RegistrationStart:  time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		RegistrationEnd:    time.Date(2025, 9, 12, 0, 0, 0, 0, time.UTC),
		WithdrawalDeadline: time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC),
		MinCredits:         12,
		MaxCredits:         17,
	}
}

func TestTermServiceCreate(t *testing.T) {
	repo := &mockTermRepo{mockTermReader: mockTermReader{terms: make(map[string]models.Term)}}
	svc := NewTermService(repo, nil, time.Minute, nil, nil)

	term, err := svc.Create(context.Background(), validTermRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, term.ID)
	assert.Equal(t, 17, term.MaxCredits)
}

func TestTermServiceCreateRejectsInvertedWindows(t *testing.T) {
	repo := &mockTermRepo{mockTermReader: mockTermReader{terms: make(map[string]models.Term)}}
	svc := NewTermService(repo, nil, time.Minute, nil, nil)

	req := validTermRequest()
	req.RegistrationStart = req.RegistrationEnd.Add(24 * time.Hour)
	_, err := svc.Create(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	req = validTermRequest()
	req.EndDate = req.StartDate
	_, err = svc.Create(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	req = validTermRequest()
	req.MaxCredits = req.MinCredits - 1
	_, err = svc.Create(context.Background(), req)
	require.Error(t, err)
}

func TestTermServiceSetCurrent(t *testing.T) {
	old := testTerm()
	repo := &mockTermRepo{mockTermReader: mockTermReader{terms: map[string]models.Term{
		"term-1": old,
		"term-2": {ID: "term-2", Name: "Fall 2025"},
	}}}
	cache := &fakeCache{data: map[string][]byte{repository.CurrentTermKey: []byte(`{}`)}}
	svc := NewTermService(repo, cache, time.Minute, nil, nil)

	require.NoError(t, svc.SetCurrent(context.Background(), "term-2"))
	assert.Equal(t, "term-2", repo.current)
	assert.False(t, repo.terms["term-1"].IsCurrent, "previous current term is demoted")
	assert.True(t, repo.terms["term-2"].IsCurrent)
	assert.Contains(t, cache.deleted, repository.CurrentTermKey)
}

func TestTermServiceGetCurrentUsesCache(t *testing.T) {
	repo := &mockTermRepo{mockTermReader: mockTermReader{terms: map[string]models.Term{"term-1": testTerm()}}}
	cache := &fakeCache{}
	svc := NewTermService(repo, cache, time.Minute, nil, nil)

	term, err := svc.GetCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "term-1", term.ID)
	assert.NotEmpty(t, cache.data)

	// Cached copy survives losing the backing row.
	delete(repo.terms, "term-1")
	term, err = svc.GetCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "term-1", term.ID)
}

func TestTermServiceDeleteGuards(t *testing.T) {
	current := testTerm()
	repo := &mockTermRepo{
		mockTermReader: mockTermReader{terms: map[string]models.Term{
			"term-1": current,
			"term-2": {ID: "term-2"},
			"term-3": {ID: "term-3"},
		}},
		registrations: map[string]int{"term-2": 5},
	}
	svc := NewTermService(repo, nil, time.Minute, nil, nil)

	err := svc.Delete(context.Background(), "term-1")
	require.Error(t, err, "current term cannot be deleted")
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErrors.FromError(err).Code)

	err = svc.Delete(context.Background(), "term-2")
	require.Error(t, err, "terms with registrations are kept")

	require.NoError(t, svc.Delete(context.Background(), "term-3"))
	assert.Equal(t, []string{"term-3"}, repo.deleted)
}
