package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"cattlesense/services/compliance-engine/internal/apperr"
	"cattlesense/shared/models"
)

func newMockStore(t *testing.T) (*GormStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), GormConfig(gormlogger.Silent))
	require.NoError(t, err)
	return NewGormStore(db, zap.NewNop()), mock
}

func TestGormStore_Farmers(t *testing.T) {
	ctx := context.Background()

	t.Run("Get maps the row", func(t *testing.T) {
		store, mock := newMockStore(t)
		created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		mock.ExpectQuery(`SELECT \* FROM "farmers" WHERE id = \$1`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "district", "state", "created_at"}).
				AddRow("farmer-1", "Ravi", "Anand", "Gujarat", created))

		farmer, err := store.GetFarmer(ctx, "farmer-1")
		require.NoError(t, err)
		assert.Equal(t, "Ravi", farmer.Name)
		assert.Equal(t, "Gujarat", farmer.State)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Missing row is not found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT \* FROM "farmers"`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := store.GetFarmer(ctx, "ghost")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("Driver failure is a persistence error", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT \* FROM "farmers"`).WillReturnError(errors.New("connection refused"))

		_, err := store.GetFarmer(ctx, "farmer-1")
		assert.True(t, apperr.Is(err, apperr.KindPersistenceFailure))
	})
}

func TestGormStore_Livestock(t *testing.T) {
	ctx := context.Background()

	t.Run("Update of a missing row is not found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE "livestock" SET`).WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.UpdateLivestock(ctx, &models.Livestock{ID: "lv-404", HealthStatus: models.HealthSick})
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Delete still referenced by a concurrent write fails", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`DELETE FROM "livestock" WHERE id = \$1`).
			WithArgs("lv-1").
			WillReturnError(&pgconn.PgError{Code: "23503", ConstraintName: "fk_traceability_events_livestock"})

		_, err := store.DeleteLivestock(ctx, "lv-1")
		assert.True(t, apperr.Is(err, apperr.KindPersistenceFailure))
		assert.False(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("Duplicate RFID tag is a validation error", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`INSERT INTO "livestock"`).
			WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})

		err := store.CreateLivestock(ctx, &models.Livestock{ID: "lv-1", RFIDTag: "RFID-001", FarmerID: "farmer-1", Species: models.SpeciesCattle})
		assert.True(t, apperr.Is(err, apperr.KindValidation))
	})
}

func TestGormStore_Administrations(t *testing.T) {
	ctx := context.Background()

	t.Run("Count filters by livestock drug and window", func(t *testing.T) {
		store, mock := newMockStore(t)
		since := time.Date(2023, 12, 2, 8, 0, 0, 0, time.UTC)
		mock.ExpectQuery(`SELECT count\(\*\) FROM "amu_records" WHERE livestock_id = \$1 AND drug_name = \$2 AND created_at >= \$3`).
			WithArgs("lv-1", "Oxytetracycline", since).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

		n, err := store.CountAdministrations(ctx, "lv-1", "Oxytetracycline", since)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Insert for deleted livestock is not found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`INSERT INTO "amu_records"`).
			WillReturnError(&pgconn.PgError{Code: "23503", ConstraintName: "fk_amu_records_livestock"})

		err := store.CreateAdministration(ctx, &models.AntimicrobialAdministration{
			ID:          "a-1",
			LivestockID: "lv-gone",
			DrugName:    "Oxytetracycline",
			Dosage:      10,
			DosageUnit:  "mg/kg",
			StartDate:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		})
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Verify of a missing record is not found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE "amu_records" SET`).WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.MarkAdministrationVerified(ctx, "a-404", time.Now())
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})
}

func TestGormStore_Events(t *testing.T) {
	ctx := context.Background()

	t.Run("Latest event of an empty chain is nil", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT \* FROM "traceability_events" WHERE livestock_id = \$1 ORDER BY timestamp DESC`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		event, err := store.LatestEvent(ctx, "lv-1")
		require.NoError(t, err)
		assert.Nil(t, event)
	})

	t.Run("Latest event decodes the payload", func(t *testing.T) {
		store, mock := newMockStore(t)
		ts := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
		mock.ExpectQuery(`SELECT \* FROM "traceability_events"`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "livestock_id", "event_type", "event_data", "performed_by", "timestamp", "hash_value", "previous_hash", "origin_address"}).
				AddRow("ev-1", "lv-1", "livestock_registered", []byte(`{"rfid_tag":"RFID-001"}`), "farmer-1", ts, "abc", "", "10.0.0.7"))

		event, err := store.LatestEvent(ctx, "lv-1")
		require.NoError(t, err)
		require.NotNil(t, event)
		assert.Equal(t, "RFID-001", event.EventData["rfid_tag"])
		assert.Equal(t, "10.0.0.7", event.OriginAddress)
	})

	t.Run("Second successor of a hash is a chain conflict", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`INSERT INTO "traceability_events"`).
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_trace_chain_link"})

		err := store.InsertEvent(ctx, &models.TraceabilityEvent{
			ID:           "ev-2",
			LivestockID:  "lv-1",
			EventType:    "livestock_updated",
			EventData:    models.Attributes{},
			Timestamp:    time.Now(),
			HashValue:    "def",
			PreviousHash: "abc",
		})
		assert.True(t, apperr.Is(err, apperr.KindChainConflict))
	})
}

func TestGormStore_Alerts(t *testing.T) {
	ctx := context.Background()

	t.Run("No open alert for a fingerprint", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT \* FROM "alerts" WHERE fingerprint = \$1 AND status IN \(\$2,\$3\)`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		alert, err := store.FindOpenAlertByFingerprint(ctx, "fp")
		require.NoError(t, err)
		assert.Nil(t, alert)
	})

	t.Run("Count applies the filter", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT count\(\*\) FROM "alerts" WHERE farmer_id = \$1 AND status IN \(\$2,\$3\) AND alert_type = \$4`).
			WithArgs("farmer-1", "unread", "read", "withdrawal_period").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

		n, err := store.CountAlerts(ctx, AlertFilter{FarmerID: "farmer-1", Statuses: OpenStatuses, Type: models.AlertWithdrawalPeriod})
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGormStore_Regional(t *testing.T) {
	ctx := context.Background()
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("Alerts join the farmer district", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT count\(\*\) FROM "alerts" JOIN farmers ON farmers.id = alerts.farmer_id WHERE .*alerts.alert_type = \$1 AND alerts.created_at >= \$2.* AND farmers.district = \$3`).
			WithArgs("mrl_breach", since, "Anand").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
		mock.ExpectQuery(`SELECT COUNT\(DISTINCT alerts.farmer_id\) FROM "alerts" JOIN farmers`).
			WithArgs("mrl_breach", since, "Anand").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

		out, err := store.RegionalAlerts(ctx, Region{District: "Anand"}, models.AlertMRLBreach, since)
		require.NoError(t, err)
		assert.Equal(t, RegionalAlerts{Alerts: 3, Farms: 2}, out)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("State filter applies without a district", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT count\(\*\) FROM "farmers" WHERE farmers.state = \$1`).
			WithArgs("Gujarat").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
		mock.ExpectQuery(`SELECT count\(\*\) FROM "livestock" JOIN farmers ON farmers.id = livestock.farmer_id WHERE farmers.state = \$1`).
			WithArgs("Gujarat").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))
		mock.ExpectQuery(`SELECT livestock.species AS species, COUNT\(\*\) AS count FROM "livestock"`).
			WillReturnRows(sqlmock.NewRows([]string{"species", "count"}).
				AddRow("cattle", 3).
				AddRow("goat", 1))

		herd, err := store.RegionalHerd(ctx, Region{State: "Gujarat"})
		require.NoError(t, err)
		assert.Equal(t, int64(3), herd.Farms)
		assert.Equal(t, int64(5), herd.Livestock)
		assert.Equal(t, []SpeciesCount{{Species: "cattle", Count: 3}, {Species: "goat", Count: 1}}, herd.ActiveBySpecies)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Usage failure is a persistence error", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT count\(\*\) FROM "amu_records"`).WillReturnError(errors.New("connection reset"))

		_, err := store.RegionalUsage(ctx, Region{}, since)
		assert.True(t, apperr.Is(err, apperr.KindPersistenceFailure))
	})
}

func TestGormStore_WithTx(t *testing.T) {
	ctx := context.Background()

	t.Run("Error rolls back", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO "alerts"`).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectRollback()

		err := store.WithTx(ctx, func(tx Store) error {
			if err := tx.InsertAlert(ctx, &models.Alert{ID: "al-1", FarmerID: "farmer-1", Type: models.AlertMRLBreach, Status: models.AlertUnread}); err != nil {
				return err
			}
			return errors.New("event append failed")
		})
		assert.EqualError(t, err, "event append failed")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Success commits", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM "alerts" WHERE farmer_id = \$1`).
			WithArgs("farmer-1").
			WillReturnResult(sqlmock.NewResult(0, 3))
		mock.ExpectCommit()

		var deleted int64
		err := store.WithTx(ctx, func(tx Store) error {
			var err error
			deleted, err = tx.DeleteAlertsByFarmer(ctx, "farmer-1")
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), deleted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGormStore_Reference(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM "withdrawal_periods" WHERE drug_name = \$1 AND species = \$2`).
		WithArgs("Penicillin", "cattle").
		WillReturnError(errors.New("relation does not exist"))

	_, err := store.FindWithdrawalRules(context.Background(), "Penicillin", models.SpeciesCattle)
	assert.True(t, apperr.Is(err, apperr.KindReferenceDataUnavailable))
}
