package datastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/chestnet/chestnet-go/internal/conf"
)

// startMySQL launches a throwaway MySQL container and returns a
// datastore configured against it. Requires a working Docker socket,
// so the test is skipped in short mode.
func startMySQL(t *testing.T) Interface {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()
	container, err := tcmysql.Run(ctx, "mysql:8.0",
		tcmysql.WithDatabase("chestnet"),
		tcmysql.WithUsername("chestnet"),
		tcmysql.WithPassword("chestnet-test"),
	)
	if err != nil {
		t.Skipf("could not start mysql container: %v", err)
	}
	t.Cleanup(func() {
		require.NoError(t, testcontainers.TerminateContainer(container))
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)

	settings := &conf.Settings{}
	settings.Output.MySQL.Enabled = true
	settings.Output.MySQL.Host = host
	settings.Output.MySQL.Port = port.Port()
	settings.Output.MySQL.Database = "chestnet"
	settings.Output.MySQL.Username = "chestnet"
	settings.Output.MySQL.Password = "chestnet-test"

	ds := New(settings)
	require.NoError(t, ds.Open(), "Failed to open MySQL datastore")
	t.Cleanup(func() {
		assert.NoError(t, ds.Close(), "Failed to close MySQL datastore")
	})
	return ds
}

func TestMySQLPatientRoundTrip(t *testing.T) {
	ds := startMySQL(t)

	patient := Patient{
		MRN:         "MRN-MYSQL-1",
		FirstName:   "Kofi",
		LastName:    "Mensah",
		DateOfBirth: time.Date(1955, 11, 2, 0, 0, 0, 0, time.UTC),
		Sex:         SexMale,
	}
	require.NoError(t, ds.CreatePatient(&patient))
	require.NotZero(t, patient.ID)

	got, err := ds.GetPatientByMRN("MRN-MYSQL-1")
	require.NoError(t, err)
	assert.Equal(t, patient.ID, got.ID)
	assert.Equal(t, "Mensah", got.LastName)

	dup := Patient{MRN: "MRN-MYSQL-1", FirstName: "Ama", LastName: "Mensah",
		DateOfBirth: patient.DateOfBirth, Sex: SexFemale}
	assert.Error(t, ds.CreatePatient(&dup), "MRN must stay unique on MySQL too")
}

func TestMySQLImageStatusLifecycle(t *testing.T) {
	ds := startMySQL(t)

	patient := createTestPatient(t, ds, "MRN-MYSQL-2")
	img := createTestImage(t, ds, patient.ID, "mysqlhash01")

	require.NoError(t, ds.SetXRayImageProcessing(img.ID))
	require.NoError(t, ds.FinalizeXRayImageStatus(img.ID, ImageStatusDiagnosed))

	got, err := ds.GetXRayImage(img.ID)
	require.NoError(t, err)
	assert.Equal(t, ImageStatusDiagnosed, got.Status)

	count, err := ds.CountXRayImagesByStatus(ImageStatusDiagnosed)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}
