package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/securefs"
	"github.com/chestnet/chestnet-go/internal/security"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

// apiStore is an in-memory datastore covering the methods the handlers
// under test touch. Everything else panics through the embedded nil
// interface, which keeps accidental coverage gaps loud.
type apiStore struct {
	datastore.Interface

	users     map[string]datastore.User
	patients  map[uint]*datastore.Patient
	images    map[uint]*datastore.XRayImage
	audit     []datastore.AuditLog
	batchJobs []datastore.BatchUploadJob

	nextID         uint
	dashboardCalls int
	healthErr      error
}

func newAPIStore() *apiStore {
	return &apiStore{
		users:    make(map[string]datastore.User),
		patients: make(map[uint]*datastore.Patient),
		images:   make(map[uint]*datastore.XRayImage),
	}
}

func (s *apiStore) addUser(id uint, username, password, role string, active bool) {
	hash, _ := security.HashPassword(password)
	s.users[username] = datastore.User{
		ID:           id,
		Username:     username,
		PasswordHash: hash,
		DisplayName:  username,
		Role:         role,
		Active:       active,
	}
}

func (s *apiStore) GetUserByUsername(username string) (datastore.User, error) {
	user, ok := s.users[username]
	if !ok {
		return datastore.User{}, fmt.Errorf("user %q not found", username)
	}
	return user, nil
}

func (s *apiStore) UpdateUserLastLogin(uint, time.Time) error { return nil }

func (s *apiStore) InsertAuditLog(entry *datastore.AuditLog) error {
	s.audit = append(s.audit, *entry)
	return nil
}

func (s *apiStore) CountXRayImagesByStatus(string) (int64, error) {
	return 0, s.healthErr
}

func (s *apiStore) CreatePatient(patient *datastore.Patient) error {
	for _, existing := range s.patients {
		if existing.MRN == patient.MRN {
			return fmt.Errorf("duplicate MRN %q", patient.MRN)
		}
	}
	s.nextID++
	patient.ID = s.nextID
	patient.CreatedAt = time.Now()
	s.patients[patient.ID] = patient
	return nil
}

func (s *apiStore) GetPatient(id uint) (datastore.Patient, error) {
	patient, ok := s.patients[id]
	if !ok {
		return datastore.Patient{}, fmt.Errorf("patient %d not found", id)
	}
	return *patient, nil
}

func (s *apiStore) UpdatePatient(patient *datastore.Patient) error {
	if _, ok := s.patients[patient.ID]; !ok {
		return fmt.Errorf("patient %d not found", patient.ID)
	}
	s.patients[patient.ID] = patient
	return nil
}

func (s *apiStore) GetAllPatients(_ bool, limit, offset int) ([]datastore.Patient, error) {
	out := make([]datastore.Patient, 0, len(s.patients))
	for _, p := range s.patients {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *apiStore) SearchPatients(query string, _, _ int) ([]datastore.Patient, error) {
	var out []datastore.Patient
	for _, p := range s.patients {
		if strings.Contains(strings.ToLower(p.LastName), strings.ToLower(query)) ||
			strings.Contains(p.MRN, query) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *apiStore) GetXRayImageByHash(uint, string) (datastore.XRayImage, error) {
	return datastore.XRayImage{}, fmt.Errorf("no image with that hash")
}

func (s *apiStore) CreateXRayImage(img *datastore.XRayImage, _ bool) error {
	s.nextID++
	img.ID = s.nextID
	img.Status = datastore.ImageStatusPending
	s.images[img.ID] = img
	return nil
}

func (s *apiStore) GetXRayImage(id uint) (datastore.XRayImage, error) {
	img, ok := s.images[id]
	if !ok {
		return datastore.XRayImage{}, fmt.Errorf("image %d not found", id)
	}
	return *img, nil
}

func (s *apiStore) GetPredictionForImage(imageID uint) (datastore.Prediction, error) {
	return datastore.Prediction{}, fmt.Errorf("no prediction for image %d", imageID)
}

func (s *apiStore) GetDashboardSummary(_ context.Context) (datastore.DashboardSummary, error) {
	s.dashboardCalls++
	return datastore.DashboardSummary{TotalImages: int64(len(s.images))}, nil
}

func (s *apiStore) ListBatchJobs(_, _ int) ([]datastore.BatchUploadJob, error) {
	return s.batchJobs, nil
}

func (s *apiStore) GetBatchJobByUUID(uuid string) (datastore.BatchUploadJob, error) {
	for _, job := range s.batchJobs {
		if job.UUID == uuid {
			return job, nil
		}
	}
	return datastore.BatchUploadJob{}, fmt.Errorf("batch %q not found", uuid)
}

func (s *apiStore) SearchAuditLogs(_ *datastore.AuditLogFilters, _, _ int) ([]datastore.AuditLog, int64, error) {
	return s.audit, int64(len(s.audit)), nil
}

func (s *apiStore) lastAudit() *datastore.AuditLog {
	if len(s.audit) == 0 {
		return nil
	}
	return &s.audit[len(s.audit)-1]
}

func testAPISettings(t *testing.T) *conf.Settings {
	t.Helper()
	settings := &conf.Settings{}
	settings.Main.Name = "chestnet-test"
	settings.Version = "test"
	settings.Batch.MaxFileSizeMB = 4
	settings.Batch.AllowedTypes = []string{".png", ".jpg", ".jpeg"}
	settings.Media.BasePath = t.TempDir()
	settings.Media.XRayDir = "xrays"
	settings.Media.ReportDir = "reports"
	return settings
}

// newTestAPI builds a controller on a fresh echo instance with three
// seeded accounts, one per role.
func newTestAPI(t *testing.T, store *apiStore) (*Controller, *echo.Echo) {
	t.Helper()

	store.addUser(1, "admin", "admin-pass-1", security.RoleAdmin, true)
	store.addUser(2, "drchen", "radiology-pass-1", security.RoleRadiologist, true)
	store.addUser(3, "tech", "technician-pass-1", security.RoleTechnician, true)

	settings := testAPISettings(t)
	media, err := securefs.New(settings.Media.BasePath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = media.Close() })

	tokens, err := security.NewTokenService(testJWTSecret, "chestnet-test", 15*time.Minute, time.Hour)
	require.NoError(t, err)
	auth := security.NewAuthService(store, tokens)

	e := echo.New()
	controller, err := New(e, store, settings, media, nil, WithAuthService(auth))
	require.NoError(t, err)
	t.Cleanup(controller.Shutdown)

	return controller, e
}

// bearerFor mints an access token for a seeded account.
func bearerFor(t *testing.T, c *Controller, username string) string {
	t.Helper()
	user, ok := c.DS.(*apiStore).users[username]
	require.True(t, ok, "unknown test user %q", username)

	pair, err := c.auth.Tokens().GenerateTokenPair(user.ID, user.Username, user.Role)
	require.NoError(t, err)
	return "Bearer " + pair.AccessToken
}

func doJSON(e *echo.Echo, method, path, bearer, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if bearer != "" {
		req.Header.Set(echo.HeaderAuthorization, bearer)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func doForm(e *echo.Echo, method, path, bearer, contentType string, body *bytes.Buffer) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set(echo.HeaderContentType, contentType)
	if bearer != "" {
		req.Header.Set(echo.HeaderAuthorization, bearer)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpointIsPublic(t *testing.T) {
	t.Parallel()

	_, e := newTestAPI(t, newAPIStore())

	rec := doJSON(e, http.MethodGet, "/api/v2/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestHealthReportsDegradedDatabase(t *testing.T) {
	t.Parallel()

	store := newAPIStore()
	store.healthErr = fmt.Errorf("connection refused")
	_, e := newTestAPI(t, store)

	rec := doJSON(e, http.MethodGet, "/api/v2/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"degraded"`)
	require.Contains(t, rec.Body.String(), `"databaseStatus":"disconnected"`)
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()

	_, e := newTestAPI(t, newAPIStore())

	rec := doJSON(e, http.MethodGet, "/api/v2/version", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"node":"chestnet-test"`)
}
