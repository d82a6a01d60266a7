package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"cattlesense/services/compliance-engine/internal/apperr"
	"cattlesense/services/compliance-engine/internal/config"
	"cattlesense/shared/models"
)

// GormStore implements Store on top of gorm. A GormStore created by WithTx
// is bound to that transaction.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Connect opens a postgres connection pool configured from cfg.
func Connect(cfg config.DatabaseConfig, dsn string) (*gorm.DB, error) {
	logLevel := gormlogger.Silent
	if cfg.LogQueries {
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), GormConfig(logLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

// GormConfig is shared by Connect and tests that open gorm over sqlmock.
func GormConfig(level gormlogger.LogLevel) *gorm.Config {
	return &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(level),
		TranslateError:         true,
		SkipDefaultTransaction: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	return &GormStore{db: db, logger: logger.Named("store")}
}

// AutoMigrate creates or updates every table the store uses.
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(allRows()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Health pings the underlying connection.
func (s *GormStore) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, logger: s.logger})
	})
}

func (s *GormStore) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperr.NotFound("%s not found", what)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return apperr.Wrap(err, apperr.KindValidation, "%s already exists", what)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return apperr.Wrap(err, apperr.KindNotFound, "%s references a record that no longer exists", what)
	default:
		return apperr.Persistence(err, "%s", what)
	}
}

// translateDelete treats a foreign key violation as a concurrent writer
// still referencing the row.
func translateDelete(err error, what string) error {
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return apperr.Wrap(err, apperr.KindPersistenceFailure, "%s is still referenced", what)
	}
	return translate(err, what)
}

// Farmers

func (s *GormStore) CreateFarmer(ctx context.Context, farmer *models.Farmer) error {
	return translate(s.conn(ctx).Create(farmerToRow(farmer)).Error, "farmer "+farmer.ID)
}

func (s *GormStore) GetFarmer(ctx context.Context, id string) (*models.Farmer, error) {
	var row farmerRow
	if err := s.conn(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate(err, "farmer "+id)
	}
	return row.toModel(), nil
}

func (s *GormStore) DeleteFarmer(ctx context.Context, id string) (int64, error) {
	res := s.conn(ctx).Where("id = ?", id).Delete(&farmerRow{})
	return res.RowsAffected, translateDelete(res.Error, "farmer "+id)
}

// Livestock

func (s *GormStore) CreateLivestock(ctx context.Context, livestock *models.Livestock) error {
	return translate(s.conn(ctx).Create(livestockToRow(livestock)).Error, "livestock "+livestock.RFIDTag)
}

func (s *GormStore) GetLivestock(ctx context.Context, id string) (*models.Livestock, error) {
	var row livestockRow
	if err := s.conn(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate(err, "livestock "+id)
	}
	return row.toModel(), nil
}

func (s *GormStore) UpdateLivestock(ctx context.Context, livestock *models.Livestock) error {
	res := s.conn(ctx).Model(&livestockRow{}).Where("id = ?", livestock.ID).Updates(map[string]any{
		"breed":           livestock.Breed,
		"name":            livestock.Name,
		"production_type": string(livestock.ProductionType),
		"health_status":   string(livestock.HealthStatus),
		"is_active":       livestock.IsActive,
		"updated_at":      livestock.UpdatedAt,
	})
	if res.Error != nil {
		return translate(res.Error, "livestock "+livestock.ID)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("livestock %s not found", livestock.ID)
	}
	return nil
}

func (s *GormStore) ListLivestockByFarmer(ctx context.Context, farmerID string) ([]*models.Livestock, error) {
	var rows []livestockRow
	if err := s.conn(ctx).Where("farmer_id = ?", farmerID).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, translate(err, "livestock of farmer "+farmerID)
	}
	out := make([]*models.Livestock, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (s *GormStore) DeleteLivestock(ctx context.Context, id string) (int64, error) {
	res := s.conn(ctx).Where("id = ?", id).Delete(&livestockRow{})
	return res.RowsAffected, translateDelete(res.Error, "livestock "+id)
}

// Prescriptions

func (s *GormStore) CreatePrescription(ctx context.Context, prescription *models.Prescription) error {
	row, err := prescriptionToRow(prescription)
	if err != nil {
		return apperr.Validation("prescription drugs are not serialisable: %v", err)
	}
	return translate(s.conn(ctx).Create(row).Error, "prescription "+prescription.PrescriptionNumber)
}

func (s *GormStore) GetPrescription(ctx context.Context, id string) (*models.Prescription, error) {
	var row prescriptionRow
	if err := s.conn(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate(err, "prescription "+id)
	}
	prescription, err := row.toModel()
	if err != nil {
		return nil, apperr.Persistence(err, "decode prescription %s", id)
	}
	return prescription, nil
}

func (s *GormStore) UpdatePrescriptionStatus(ctx context.Context, id string, status models.PrescriptionStatus) error {
	res := s.conn(ctx).Model(&prescriptionRow{}).Where("id = ?", id).Update("status", string(status))
	if res.Error != nil {
		return translate(res.Error, "prescription "+id)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("prescription %s not found", id)
	}
	return nil
}

func (s *GormStore) DeletePrescriptionsByLivestock(ctx context.Context, livestockID string) (int64, error) {
	res := s.conn(ctx).Where("livestock_id = ?", livestockID).Delete(&prescriptionRow{})
	return res.RowsAffected, translate(res.Error, "prescriptions of livestock "+livestockID)
}

// Administrations

func (s *GormStore) CreateAdministration(ctx context.Context, record *models.AntimicrobialAdministration) error {
	return translate(s.conn(ctx).Create(administrationToRow(record)).Error, "administration "+record.ID)
}

func (s *GormStore) GetAdministration(ctx context.Context, id string) (*models.AntimicrobialAdministration, error) {
	var row administrationRow
	if err := s.conn(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate(err, "administration "+id)
	}
	return row.toModel(), nil
}

func (s *GormStore) MarkAdministrationVerified(ctx context.Context, id string, verifiedAt time.Time) error {
	res := s.conn(ctx).Model(&administrationRow{}).Where("id = ?", id).Updates(map[string]any{
		"is_verified": true,
		"verified_at": verifiedAt,
	})
	if res.Error != nil {
		return translate(res.Error, "administration "+id)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("administration %s not found", id)
	}
	return nil
}

func (s *GormStore) CountAdministrations(ctx context.Context, livestockID, drugName string, since time.Time) (int64, error) {
	var count int64
	err := s.conn(ctx).Model(&administrationRow{}).
		Where("livestock_id = ? AND drug_name = ? AND created_at >= ?", livestockID, drugName, since).
		Count(&count).Error
	return count, translate(err, "administration count")
}

func (s *GormStore) CountFarmerAdministrations(ctx context.Context, farmerID string, since *time.Time) (int64, error) {
	var count int64
	q := s.conn(ctx).Model(&administrationRow{}).
		Joins("JOIN livestock ON livestock.id = amu_records.livestock_id").
		Where("livestock.farmer_id = ?", farmerID)
	if since != nil {
		q = q.Where("amu_records.created_at >= ?", *since)
	}
	err := q.Count(&count).Error
	return count, translate(err, "administration count")
}

func (s *GormStore) DrugUsageCounts(ctx context.Context, farmerID string, since time.Time, limit int) ([]DrugUsage, error) {
	var usage []DrugUsage
	err := s.conn(ctx).Model(&administrationRow{}).
		Select("amu_records.drug_name AS drug_name, COUNT(*) AS count").
		Joins("JOIN livestock ON livestock.id = amu_records.livestock_id").
		Where("livestock.farmer_id = ? AND amu_records.created_at >= ?", farmerID, since).
		Group("amu_records.drug_name").
		Order("count DESC, drug_name ASC").
		Limit(limit).
		Scan(&usage).Error
	return usage, translate(err, "drug usage")
}

func (s *GormStore) ListActiveWithdrawals(ctx context.Context, farmerID string, asOf time.Time) ([]*models.AntimicrobialAdministration, error) {
	var rows []administrationRow
	err := s.conn(ctx).
		Joins("JOIN livestock ON livestock.id = amu_records.livestock_id").
		Where("livestock.farmer_id = ? AND amu_records.withdrawal_end_date >= ?", farmerID, asOf).
		Order("amu_records.withdrawal_end_date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, translate(err, "active withdrawals")
	}
	out := make([]*models.AntimicrobialAdministration, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (s *GormStore) DeleteAdministrationsByLivestock(ctx context.Context, livestockID string) (int64, error) {
	res := s.conn(ctx).Where("livestock_id = ?", livestockID).Delete(&administrationRow{})
	return res.RowsAffected, translate(res.Error, "administrations of livestock "+livestockID)
}

// Traceability events

func (s *GormStore) LatestEvent(ctx context.Context, livestockID string) (*models.TraceabilityEvent, error) {
	var rows []eventRow
	err := s.conn(ctx).Where("livestock_id = ?", livestockID).
		Order("timestamp DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, translate(err, "latest event")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toModel(), nil
}

func (s *GormStore) InsertEvent(ctx context.Context, event *models.TraceabilityEvent) error {
	err := s.conn(ctx).Create(eventToRow(event)).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperr.ChainConflict("livestock %s already has a successor for %s", event.LivestockID, event.PreviousHash)
	}
	return translate(err, "traceability event")
}

func (s *GormStore) ListEvents(ctx context.Context, livestockID string, oldestFirst bool) ([]*models.TraceabilityEvent, error) {
	order := "timestamp DESC"
	if oldestFirst {
		order = "timestamp ASC"
	}
	var rows []eventRow
	if err := s.conn(ctx).Where("livestock_id = ?", livestockID).Order(order).Find(&rows).Error; err != nil {
		return nil, translate(err, "traceability events")
	}
	out := make([]*models.TraceabilityEvent, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (s *GormStore) ListTracedLivestockSince(ctx context.Context, since time.Time) ([]string, error) {
	var ids []string
	err := s.conn(ctx).Model(&eventRow{}).
		Distinct("livestock_id").
		Where("timestamp >= ?", since).
		Pluck("livestock_id", &ids).Error
	return ids, translate(err, "traced livestock")
}

func (s *GormStore) DeleteEventsByLivestock(ctx context.Context, livestockID string) (int64, error) {
	res := s.conn(ctx).Where("livestock_id = ?", livestockID).Delete(&eventRow{})
	return res.RowsAffected, translate(res.Error, "events of livestock "+livestockID)
}

// Alerts

func (s *GormStore) InsertAlert(ctx context.Context, alert *models.Alert) error {
	return translate(s.conn(ctx).Create(alertToRow(alert)).Error, "alert "+alert.ID)
}

func (s *GormStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	var row alertRow
	if err := s.conn(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, translate(err, "alert "+id)
	}
	return row.toModel(), nil
}

func (s *GormStore) FindOpenAlertByFingerprint(ctx context.Context, fingerprint string) (*models.Alert, error) {
	var rows []alertRow
	err := s.conn(ctx).
		Where("fingerprint = ? AND status IN ?", fingerprint, statusStrings(OpenStatuses)).
		Order("created_at DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, translate(err, "alert by fingerprint")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toModel(), nil
}

func (s *GormStore) UpdateAlert(ctx context.Context, alert *models.Alert) error {
	res := s.conn(ctx).Model(&alertRow{}).Where("id = ?", alert.ID).Updates(map[string]any{
		"status":          string(alert.Status),
		"read_at":         alert.ReadAt,
		"acknowledged_at": alert.AcknowledgedAt,
		"resolved_at":     alert.ResolvedAt,
	})
	if res.Error != nil {
		return translate(res.Error, "alert "+alert.ID)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("alert %s not found", alert.ID)
	}
	return nil
}

func (s *GormStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]*models.Alert, error) {
	var rows []alertRow
	q := applyAlertFilter(s.conn(ctx).Model(&alertRow{}), filter).Order("created_at DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, translate(err, "alerts")
	}
	out := make([]*models.Alert, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (s *GormStore) CountAlerts(ctx context.Context, filter AlertFilter) (int64, error) {
	var count int64
	err := applyAlertFilter(s.conn(ctx).Model(&alertRow{}), filter).Count(&count).Error
	return count, translate(err, "alert count")
}

func (s *GormStore) DeleteAlertsByFarmer(ctx context.Context, farmerID string) (int64, error) {
	res := s.conn(ctx).Where("farmer_id = ?", farmerID).Delete(&alertRow{})
	return res.RowsAffected, translate(res.Error, "alerts of farmer "+farmerID)
}

func applyAlertFilter(q *gorm.DB, f AlertFilter) *gorm.DB {
	if f.FarmerID != "" {
		q = q.Where("farmer_id = ?", f.FarmerID)
	}
	if f.VeterinarianID != "" {
		q = q.Where("veterinarian_id = ?", f.VeterinarianID)
	}
	if f.LivestockID != "" {
		q = q.Where("livestock_id = ?", f.LivestockID)
	}
	if len(f.IDs) > 0 {
		q = q.Where("id IN ?", f.IDs)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(f.Statuses))
	}
	if f.Type != "" {
		q = q.Where("alert_type = ?", string(f.Type))
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", string(f.Severity))
	}
	return q
}

func statusStrings(statuses []models.AlertStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// Regional analytics

func inRegion(q *gorm.DB, region Region) *gorm.DB {
	switch {
	case region.District != "":
		return q.Where("farmers.district = ?", region.District)
	case region.State != "":
		return q.Where("farmers.state = ?", region.State)
	}
	return q
}

func (s *GormStore) RegionalHerd(ctx context.Context, region Region) (RegionalHerd, error) {
	var herd RegionalHerd
	if err := inRegion(s.conn(ctx).Model(&farmerRow{}), region).Count(&herd.Farms).Error; err != nil {
		return herd, translate(err, "regional farm count")
	}

	livestock := func() *gorm.DB {
		return inRegion(s.conn(ctx).Model(&livestockRow{}).
			Joins("JOIN farmers ON farmers.id = livestock.farmer_id"), region)
	}
	if err := livestock().Count(&herd.Livestock).Error; err != nil {
		return herd, translate(err, "regional livestock count")
	}
	err := livestock().
		Select("livestock.species AS species, COUNT(*) AS count").
		Where("livestock.is_active = ?", true).
		Group("livestock.species").
		Order("count DESC, species ASC").
		Scan(&herd.ActiveBySpecies).Error
	return herd, translate(err, "regional species distribution")
}

func (s *GormStore) RegionalUsage(ctx context.Context, region Region, since time.Time) (RegionalUsage, error) {
	records := func() *gorm.DB {
		return inRegion(s.conn(ctx).Model(&administrationRow{}).
			Joins("JOIN livestock ON livestock.id = amu_records.livestock_id").
			Joins("JOIN farmers ON farmers.id = livestock.farmer_id").
			Where("amu_records.created_at >= ?", since), region)
	}

	var usage RegionalUsage
	if err := records().Count(&usage.Records).Error; err != nil {
		return usage, translate(err, "regional administration count")
	}
	err := records().
		Select("COALESCE(NULLIF(amu_records.drug_category, ''), ?) AS category, COUNT(*) AS count", UncategorizedDrug).
		Group("category").
		Order("count DESC, category ASC").
		Scan(&usage.Categories).Error
	if err != nil {
		return usage, translate(err, "regional drug categories")
	}
	err = records().
		Select("livestock.species AS species, COUNT(*) AS count").
		Group("livestock.species").
		Order("count DESC, species ASC").
		Scan(&usage.Species).Error
	return usage, translate(err, "regional species usage")
}

func (s *GormStore) RegionalAlerts(ctx context.Context, region Region, alertType models.AlertType, since time.Time) (RegionalAlerts, error) {
	alerts := func() *gorm.DB {
		return inRegion(s.conn(ctx).Model(&alertRow{}).
			Joins("JOIN farmers ON farmers.id = alerts.farmer_id").
			Where("alerts.alert_type = ? AND alerts.created_at >= ?", string(alertType), since), region)
	}

	var out RegionalAlerts
	if err := alerts().Count(&out.Alerts).Error; err != nil {
		return out, translate(err, "regional alert count")
	}
	err := alerts().Select("COUNT(DISTINCT alerts.farmer_id)").Scan(&out.Farms).Error
	return out, translate(err, "regional alerted farms")
}

// Reference data

func (s *GormStore) FindWithdrawalRules(ctx context.Context, drugName string, species models.Species) ([]*models.WithdrawalPeriodRule, error) {
	var rows []withdrawalRuleRow
	err := s.conn(ctx).
		Where("drug_name = ? AND species = ?", drugName, string(species)).
		Order("tissue_type ASC").
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindReferenceDataUnavailable, "lookup withdrawal rules for %s/%s", drugName, species)
	}
	out := make([]*models.WithdrawalPeriodRule, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (s *GormStore) CountWithdrawalRules(ctx context.Context) (int64, error) {
	var count int64
	if err := s.conn(ctx).Model(&withdrawalRuleRow{}).Count(&count).Error; err != nil {
		return 0, apperr.Wrap(err, apperr.KindReferenceDataUnavailable, "count withdrawal rules")
	}
	return count, nil
}

func (s *GormStore) InsertWithdrawalRules(ctx context.Context, rules []*models.WithdrawalPeriodRule) error {
	if len(rules) == 0 {
		return nil
	}
	rows := make([]*withdrawalRuleRow, 0, len(rules))
	for _, r := range rules {
		rows = append(rows, ruleToRow(r))
	}
	return translate(s.conn(ctx).CreateInBatches(rows, 100).Error, "withdrawal rules")
}

var _ Store = (*GormStore)(nil)
