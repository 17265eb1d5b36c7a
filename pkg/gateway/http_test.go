package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planrun/planrun/pkg/errors"
	"github.com/planrun/planrun/pkg/results"
)

func TestCreateReturnsSessionID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/runs", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req createRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "plan-1", req.PlanID)
		assert.Equal(t, []string{"c1", "c2"}, req.CaseIDs)

		_ = json.NewEncoder(w).Encode(createResponse{SessionID: "sess-9"})
	}))
	defer server.Close()

	g := NewHTTPGateway(server.URL, "tok")
	id, err := g.Create(context.Background(), "plan-1", []string{"c1", "c2"})
	require.NoError(t, err)
	assert.Equal(t, "sess-9", id)
}

func TestCreateEmptySessionIDIsProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(createResponse{})
	}))
	defer server.Close()

	g := NewHTTPGateway(server.URL, "")
	_, err := g.Create(context.Background(), "plan-1", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeGatewayProtocol))
}

func TestUpdateSendsPatchWithIdempotencyKey(t *testing.T) {
	var gotKey string
	var gotPatch Patch
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/api/runs/sess-9", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPatch))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	status := StatusCancelled
	now := time.Now().UTC().Truncate(time.Second)
	g := NewHTTPGateway(server.URL, "tok")
	err := g.Update(context.Background(), "sess-9", Patch{
		Status:     &status,
		FinishedAt: &now,
		Stats:      &results.AggregateStats{Total: 3, Completed: 1, Passed: 1},
		Results: []results.CaseResult{
			{CaseID: "c1", Outcome: results.OutcomePass, Completed: true},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, gotKey, "updates must carry an idempotency key")
	require.NotNil(t, gotPatch.Status)
	assert.Equal(t, StatusCancelled, *gotPatch.Status)
	require.NotNil(t, gotPatch.Stats)
	assert.Equal(t, 1, gotPatch.Stats.Completed)
	require.Len(t, gotPatch.Results, 1)
}

func TestFetchDecodesRecord(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Record{
			SessionID: "sess-9",
			PlanID:    "plan-1",
			CaseIDs:   []string{"c1", "c2"},
			Status:    StatusRunning,
			Results: []results.CaseResult{
				{CaseID: "c1", Outcome: results.OutcomeFail, Completed: true,
					Evidence: []results.Evidence{{Filename: "shot.png", MIME: "image/png", Size: 3, Data: []byte{1, 2, 3}}}},
			},
		})
	}))
	defer server.Close()

	g := NewHTTPGateway(server.URL, "")
	record, err := g.Fetch(context.Background(), "sess-9")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, record.Status)
	require.Len(t, record.Results, 1)
	assert.Equal(t, []byte{1, 2, 3}, record.Results[0].Evidence[0].Data,
		"evidence bytes must survive the inline round trip")
}

func TestNotFoundMapsToAlreadyDeleted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	g := NewHTTPGateway(server.URL, "")
	err := g.Update(context.Background(), "gone", Patch{})
	assert.True(t, errors.IsAlreadyDeleted(err), "404 must map to the benign already-deleted error")
	assert.False(t, errors.IsRetryable(err))

	err = g.Delete(context.Background(), "gone")
	assert.True(t, errors.IsAlreadyDeleted(err))
}

func TestServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	g := NewHTTPGateway(server.URL, "")
	err := g.Update(context.Background(), "sess-9", Patch{})
	assert.True(t, errors.IsCode(err, errors.ErrCodeTransientNetwork))
	assert.True(t, errors.IsRetryable(err))
}

func TestConnectionFailureIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse all connections

	g := NewHTTPGateway(server.URL, "")
	_, err := g.Fetch(context.Background(), "sess-9")
	assert.True(t, errors.IsRetryable(err))
}

func TestStatusActive(t *testing.T) {
	assert.True(t, StatusRunning.Active())
	assert.True(t, StatusQueued.Active())
	assert.False(t, StatusCompleted.Active())
	assert.False(t, StatusCancelled.Active())
	assert.False(t, StatusFailed.Active())
}
