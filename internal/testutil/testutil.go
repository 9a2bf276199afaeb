// Package testutil provides fixtures shared by the engine's package tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/store"
)

// Fixture identities.
const (
	PatientID    = "pat_1"
	PatientPhone = "+15550000001"
)

// ChainTemplate is a small default template for program type "chain": stage a
// advances immediately, b and c are manual.
func ChainTemplate() models.StageTemplate {
	return models.StageTemplate{
		ID:          "tpl_chain",
		ProgramType: "chain",
		Name:        "Chain",
		IsDefault:   true,
		Stages: []models.Stage{
			{Key: "a", Conditions: models.Conditions{{Name: "days_elapsed", Param: 0}}},
			{Key: "b"},
			{Key: "c"},
		},
	}
}

// NewStore returns an in-memory store holding ChainTemplate and one patient
// with a phone number.
func NewStore(t *testing.T) *store.InMemoryStore {
	t.Helper()
	ctx := context.Background()
	st := store.NewInMemoryStore()
	if err := st.SaveStageTemplate(ctx, ChainTemplate()); err != nil {
		t.Fatalf("SaveStageTemplate failed: %v", err)
	}
	err := st.SavePatient(ctx, models.Patient{ID: PatientID, FirstName: "Dana", LastName: "Reyes", Phone: PatientPhone})
	if err != nil {
		t.Fatalf("SavePatient failed: %v", err)
	}
	return st
}

// SaveProtocol stores p, defaulting the patient to PatientID, the status to
// active and the timestamps to three days before now.
func SaveProtocol(t *testing.T, repo store.ProtocolRepo, p models.Protocol, now time.Time) {
	t.Helper()
	if p.PatientID == "" {
		p.PatientID = PatientID
	}
	if p.Status == "" {
		p.Status = models.ProtocolStatusActive
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now.Add(-72 * time.Hour)
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	if err := repo.SaveProtocol(context.Background(), p); err != nil {
		t.Fatalf("SaveProtocol failed: %v", err)
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected int, rr *httptest.ResponseRecorder, context string) {
	t.Helper()
	if rr.Code != expected {
		t.Errorf("%s: expected status %d, got %d: %s", context, expected, rr.Code, rr.Body.String())
	}
}

// DecodeResult checks for a success envelope and unmarshals its result into v.
func DecodeResult(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	var env struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rr.Body.String(), err)
	}
	if env.Status != string(models.APIStatusOK) {
		t.Fatalf("status = %q, body %s", env.Status, rr.Body.String())
	}
	if err := json.Unmarshal(env.Result, v); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}
