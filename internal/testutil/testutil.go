// Package testutil provides common test utilities and helpers for Virasat tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/virasat-app/virasat/internal/models"
	"github.com/virasat-app/virasat/internal/store"
)

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// SeedAlbum stores an active album with the given number of bilingual
// questions and returns it.
func SeedAlbum(t *testing.T, st store.AlbumRepo, id string, questions int) *models.Album {
	t.Helper()
	album := &models.Album{
		ID:         id,
		Title:      "Childhood Memories",
		PricePaise: 49900,
		Active:     true,
	}
	for i := 0; i < questions; i++ {
		album.Questions = append(album.Questions, models.AlbumQuestion{
			Position: i,
			TextEN:   fmt.Sprintf("Question number %d", i),
			TextHN:   fmt.Sprintf("सवाल %d", i),
		})
	}
	if err := st.UpsertAlbum(album); err != nil {
		t.Fatalf("failed to seed album: %v", err)
	}
	return album
}

// SeedTrial stores a trial in the given state and returns it.
func SeedTrial(t *testing.T, st store.TrialRepo, id, albumID string, state models.TrialState) *models.Trial {
	t.Helper()
	trial := &models.Trial{
		ID:              id,
		BuyerPhone:      "911234567890",
		BuyerName:       "Asha",
		StorytellerName: "Dadi",
		AlbumID:         albumID,
		Language:        models.LanguageEnglish,
		State:           state,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if err := st.CreateTrial(trial); err != nil {
		t.Fatalf("failed to seed trial: %v", err)
	}
	return trial
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
