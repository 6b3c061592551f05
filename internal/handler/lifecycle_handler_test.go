package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sis-enrollment-api/internal/middleware"
	"github.com/noah-isme/sis-enrollment-api/internal/models"
	"github.com/noah-isme/sis-enrollment-api/internal/service"
	"github.com/noah-isme/sis-enrollment-api/pkg/response"
)

type sweeperStub struct {
	orphans []string
}

func (s *sweeperStub) DeactivateOrphans(ctx context.Context, termID, note string) ([]string, error) {
	out := s.orphans
	s.orphans = nil
	return out, nil
}

type cancellerStub struct {
	count int
}

func (s *cancellerStub) CancelActiveBySection(ctx context.Context, sectionID string) (int, error) {
	return s.count, nil
}

type termReaderStub struct {
	term models.Term
}

func (s *termReaderStub) FindByID(ctx context.Context, id string) (*models.Term, error) {
	copied := s.term
	return &copied, nil
}

func (s *termReaderStub) FindCurrent(ctx context.Context) (*models.Term, error) {
	copied := s.term
	return &copied, nil
}

func TestLifecycleHandlerSync(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := service.NewLifecycleService(
		&sweeperStub{orphans: []string{"sec-1"}},
		&cancellerStub{count: 2},
		&termReaderStub{term: models.Term{ID: "term-1", IsCurrent: true}},
		nil, nil, nil,
	)
	h := NewLifecycleHandler(svc)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/lifecycle/sync?termId=term-1", nil)
	c.Request = req
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin", Role: models.RoleAdmin})

	h.Sync(c)
	require.Equal(t, http.StatusOK, w.Code)

	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	payload, err := json.Marshal(envelope.Data)
	require.NoError(t, err)

	var result service.SyncResult
	require.NoError(t, json.Unmarshal(payload, &result))
	assert.Equal(t, "term-1", result.TermID)
	assert.Equal(t, []string{"sec-1"}, result.DeactivatedSectionIDs)
	assert.Equal(t, 2, result.CancelledRegistrations)
}
