package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cattlesense/services/compliance-engine/internal/apperr"
	"cattlesense/services/compliance-engine/internal/database"
	"cattlesense/shared/models"
)

func seeded(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	store := New()
	require.NoError(t, store.CreateFarmer(ctx, &models.Farmer{ID: "farmer-1", Name: "Ravi"}))
	require.NoError(t, store.CreateLivestock(ctx, &models.Livestock{ID: "lv-1", RFIDTag: "RFID-001", FarmerID: "farmer-1", Species: models.SpeciesCattle}))
	return store
}

func TestWithTx_DeletedRowsRejectLateWrites(t *testing.T) {
	ctx := context.Background()

	t.Run("Administration for livestock deleted mid transaction", func(t *testing.T) {
		store := seeded(t)
		err := store.WithTx(ctx, func(tx database.Store) error {
			if _, err := store.DeleteLivestock(ctx, "lv-1"); err != nil {
				return err
			}
			return tx.CreateAdministration(ctx, &models.AntimicrobialAdministration{ID: "a-1", LivestockID: "lv-1", DrugName: "Amoxicillin"})
		})
		assert.True(t, apperr.Is(err, apperr.KindNotFound))

		n, err := store.CountAdministrations(ctx, "lv-1", "Amoxicillin", time.Time{})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Event after the livestock is gone", func(t *testing.T) {
		store := seeded(t)
		_, err := store.DeleteLivestock(ctx, "lv-1")
		require.NoError(t, err)

		err = store.InsertEvent(ctx, &models.TraceabilityEvent{ID: "e-1", LivestockID: "lv-1", PreviousHash: models.GenesisHash})
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("Livestock for a deleted farmer", func(t *testing.T) {
		store := seeded(t)
		_, err := store.DeleteFarmer(ctx, "farmer-1")
		require.NoError(t, err)

		err = store.CreateLivestock(ctx, &models.Livestock{ID: "lv-2", RFIDTag: "RFID-002", FarmerID: "farmer-1", Species: models.SpeciesGoat})
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("Whole transaction is discarded", func(t *testing.T) {
		store := seeded(t)
		err := store.WithTx(ctx, func(tx database.Store) error {
			if err := tx.InsertAlert(ctx, &models.Alert{ID: "al-1", FarmerID: "farmer-1", Type: models.AlertHealthCritical}); err != nil {
				return err
			}
			if _, err := store.DeleteLivestock(ctx, "lv-1"); err != nil {
				return err
			}
			return tx.CreatePrescription(ctx, &models.Prescription{ID: "rx-1", LivestockID: "lv-1", FarmerID: "farmer-1", VeterinarianID: "vet-1"})
		})
		assert.True(t, apperr.Is(err, apperr.KindNotFound))

		n, err := store.CountAlerts(ctx, database.AlertFilter{FarmerID: "farmer-1"})
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
