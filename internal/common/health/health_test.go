package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyCheckerIsUp(t *testing.T) {
	c := NewChecker(0)

	rec := httptest.NewRecorder()
	c.HandleReady(rec, httptest.NewRequest(http.MethodGet, "/q/health/ready", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusUp, resp.Status)
}

func TestFailingReadinessReturns503(t *testing.T) {
	c := NewChecker(0)
	c.AddLivenessCheck(FlagCheck("process", func() bool { return true }))
	c.AddReadinessCheck(PingCheck("mongo", func(ctx context.Context) error { return errors.New("no route") }))

	rec := httptest.NewRecorder()
	c.HandleReady(rec, httptest.NewRequest(http.MethodGet, "/q/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "no route", resp.Checks[0].Data["error"])

	rec = httptest.NewRecorder()
	c.HandleLive(rec, httptest.NewRequest(http.MethodGet, "/q/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthCombinesAllChecks(t *testing.T) {
	c := NewChecker(0)
	c.AddLivenessCheck(FlagCheck("a", func() bool { return true }))
	c.AddReadinessCheck(FlagCheck("b", func() bool { return false }))

	resp := c.Health(context.Background())
	assert.Equal(t, StatusDown, resp.Status)
	assert.Len(t, resp.Checks, 2)
}
