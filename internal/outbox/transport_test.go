package outbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientPushSendsBearerAndBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/push", r.URL.Path)
		assert.Equal(t, "Bearer session-token", r.Header.Get("Authorization"))
		var request entities.PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&request))
		require.Len(t, request.Mutations, 1)

		cursor := int64(4)
		_ = json.NewEncoder(w).Encode(entities.PushResponse{
			Results:   []entities.MutationResult{{MutationID: request.Mutations[0].MutationID, Status: entities.StatusSuccess}},
			NewCursor: &cursor,
		})
	}))
	defer server.Close()

	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL + "/", Token: "session-token"})
	require.NoError(t, err)

	response, err := client.Push(context.Background(), []entities.Mutation{testMutation("m-1")})
	require.NoError(t, err)
	require.Len(t, response.Results, 1)
	require.NotNil(t, response.NewCursor)
	assert.Equal(t, int64(4), *response.NewCursor)
}

func TestHTTPClientPullEncodesCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/events", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("after"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"events":[{"sequence":8,"babyId":1,"entityType":"feed_log","entityId":"f","op":"delete","payload":null}],"nextCursor":8,"hasMore":false}`))
	}))
	defer server.Close()

	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	response, err := client.Pull(context.Background(), 7, 50)
	require.NoError(t, err)
	require.Len(t, response.Events, 1)
	assert.Equal(t, int64(8), response.Events[0].Sequence)
}

func TestHTTPClientClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: ErrUnauthorized},
		{name: "rate limited", status: http.StatusTooManyRequests, want: ErrServerError},
		{name: "server error", status: http.StatusInternalServerError, want: ErrServerError},
		{name: "bad request", status: http.StatusBadRequest, want: ErrRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":"x"}`))
			}))
			defer server.Close()

			client, err := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL})
			require.NoError(t, err)
			_, err = client.Push(context.Background(), nil)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestHTTPClientWrapsNetworkFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: url})
	require.NoError(t, err)
	_, err = client.Pull(context.Background(), 0, 0)
	require.ErrorIs(t, err, ErrNetworkFailure)
	assert.True(t, Retryable(err))
}

func TestNewHTTPClientRequiresURL(t *testing.T) {
	_, err := NewHTTPClient(HTTPClientConfig{BaseURL: "  "})
	require.Error(t, err)
}
