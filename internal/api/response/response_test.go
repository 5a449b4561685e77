package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON_WrapsInDataEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, map[string]string{"hello": "world"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "world", body["data"]["hello"])
}

func TestAccepted(t *testing.T) {
	rec := httptest.NewRecorder()
	Accepted(rec, map[string]string{"id": "abc"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestError_Envelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, http.StatusConflict, "DUPLICATE_CREDENTIAL", "Credential already exists", nil)

	assert.Equal(t, http.StatusConflict, rec.Code)

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "DUPLICATE_CREDENTIAL", body.Error.Code)
	assert.Equal(t, "Credential already exists", body.Error.Message)
}

func TestError_Details(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, http.StatusServiceUnavailable, "DEGRADED", "Partial outage",
		map[string]string{"queue": "down"})

	var body struct {
		Error struct {
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "down", body.Error.Details["queue"])
}
