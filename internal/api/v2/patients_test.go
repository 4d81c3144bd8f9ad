package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chestnet/chestnet-go/internal/datastore"
)

func seedPatient(t *testing.T, store *apiStore, mrn, lastName string) *datastore.Patient {
	t.Helper()
	patient := &datastore.Patient{
		MRN:         mrn,
		FirstName:   "Test",
		LastName:    lastName,
		DateOfBirth: time.Date(1960, 5, 12, 0, 0, 0, 0, time.UTC),
		Sex:         datastore.SexF,
	}
	require.NoError(t, store.CreatePatient(patient))
	return patient
}

func TestCreatePatient(t *testing.T) {
	t.Parallel()

	store := newAPIStore()
	c, e := newTestAPI(t, store)

	body := `{"mrn":"MRN-001","firstName":"Ada","lastName":"Osei","dateOfBirth":"1971-03-02","sex":"F","phone":"+233201234567"}`
	rec := doJSON(e, http.MethodPost, "/api/v2/patients", bearerFor(t, c, "tech"), body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp PatientResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotZero(t, resp.ID)
	assert.Equal(t, "MRN-001", resp.MRN)
	assert.Equal(t, "1971-03-02", resp.DateOfBirth)
}

func TestCreatePatientRejectsBadDateOfBirth(t *testing.T) {
	t.Parallel()

	c, e := newTestAPI(t, newAPIStore())

	body := `{"mrn":"MRN-002","firstName":"Ada","lastName":"Osei","dateOfBirth":"03/02/1971","sex":"F"}`
	rec := doJSON(e, http.MethodPost, "/api/v2/patients", bearerFor(t, c, "tech"), body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPatientNotFound(t *testing.T) {
	t.Parallel()

	c, e := newTestAPI(t, newAPIStore())

	rec := doJSON(e, http.MethodGet, "/api/v2/patients/999", bearerFor(t, c, "tech"), "")
	// Stub errors are not enhanced, so the handler answers with the
	// generic failure code.
	assert.GreaterOrEqual(t, rec.Code, http.StatusBadRequest)
}

func TestUpdatePatientKeepsMRN(t *testing.T) {
	t.Parallel()

	store := newAPIStore()
	c, e := newTestAPI(t, store)
	patient := seedPatient(t, store, "MRN-100", "Mensah")

	body := `{"mrn":"MRN-100","firstName":"Akua","lastName":"Mensah","sex":"F"}`
	rec := doJSON(e, http.MethodPut, "/api/v2/patients/1", bearerFor(t, c, "tech"), body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp PatientResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Akua", resp.FirstName)
	assert.Equal(t, patient.MRN, resp.MRN)
}

func TestUpdatePatientRejectsMRNChange(t *testing.T) {
	t.Parallel()

	store := newAPIStore()
	c, e := newTestAPI(t, store)
	seedPatient(t, store, "MRN-100", "Mensah")

	body := `{"mrn":"MRN-999","firstName":"Akua","lastName":"Mensah","sex":"F"}`
	rec := doJSON(e, http.MethodPut, "/api/v2/patients/1", bearerFor(t, c, "tech"), body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "MRN cannot be changed")
}

func TestListPatientsWithSearch(t *testing.T) {
	t.Parallel()

	store := newAPIStore()
	c, e := newTestAPI(t, store)
	seedPatient(t, store, "MRN-100", "Mensah")
	seedPatient(t, store, "MRN-200", "Boateng")

	rec := doJSON(e, http.MethodGet, "/api/v2/patients?query=boateng", bearerFor(t, c, "tech"), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Patients []PatientResponse `json:"patients"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Patients, 1)
	assert.Equal(t, "Boateng", resp.Patients[0].LastName)
}

func TestDeletePatientNeedsRadiologist(t *testing.T) {
	t.Parallel()

	store := newAPIStore()
	c, e := newTestAPI(t, store)
	seedPatient(t, store, "MRN-100", "Mensah")

	rec := doJSON(e, http.MethodDelete, "/api/v2/patients/1", bearerFor(t, c, "tech"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
