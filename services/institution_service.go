package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/propalert/market-alert-backend/models"
	"github.com/propalert/market-alert-backend/shared"
	"github.com/sirupsen/logrus"
)

// InstitutionService manages tenant records. Institutions are never hard
// deleted, only soft-deactivated, so scan and alert history stays intact.
type InstitutionService struct {
	db *sql.DB
}

// NewInstitutionService creates an institution service
func NewInstitutionService(db *sql.DB) *InstitutionService {
	return &InstitutionService{db: db}
}

// CreateInstitution inserts a new tenant record
func (s *InstitutionService) CreateInstitution(ctx context.Context, institution *models.Institution) error {
	notificationSettings, err := json.Marshal(institution.NotificationSettings)
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryValidation, "BAD_SETTINGS", "institution-service", "CreateInstitution", false)
	}
	scanConfig, err := json.Marshal(institution.ScanConfig)
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryValidation, "BAD_SCAN_CONFIG", "institution-service", "CreateInstitution", false)
	}
	if len(institution.CustomFields) == 0 {
		institution.CustomFields = json.RawMessage("{}")
	}

	query := `
		INSERT INTO institutions (name, contact_email, webhook_url, notification_settings, scan_config, custom_fields, active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		RETURNING id, created_at, updated_at`

	err = s.db.QueryRowContext(ctx, query,
		institution.Name, institution.ContactEmail, institution.WebhookURL,
		notificationSettings, scanConfig, institution.CustomFields,
	).Scan(&institution.ID, &institution.CreatedAt, &institution.UpdatedAt)
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryDatabase, "INSERT_FAILED", "institution-service", "CreateInstitution", true)
	}
	institution.Active = true

	logrus.WithFields(logrus.Fields{
		"institution_id":   institution.ID,
		"institution_name": institution.Name,
	}).Info("Created institution")

	return nil
}

// GetInstitution fetches a tenant by id, active or not
func (s *InstitutionService) GetInstitution(ctx context.Context, id uuid.UUID) (*models.Institution, error) {
	query := `
		SELECT id, name, contact_email, webhook_url, notification_settings, scan_config, custom_fields, active, created_at, updated_at
		FROM institutions WHERE id = $1`

	return s.scanInstitution(s.db.QueryRowContext(ctx, query, id), id)
}

// GetActiveInstitution fetches a tenant and fails with NotFound if the record
// is missing or soft-deactivated
func (s *InstitutionService) GetActiveInstitution(ctx context.Context, id uuid.UUID) (*models.Institution, error) {
	institution, err := s.GetInstitution(ctx, id)
	if err != nil {
		return nil, err
	}
	if !institution.Active {
		return nil, shared.NewNotFoundError("active institution", id.String(), "institution-service", "GetActiveInstitution")
	}
	return institution, nil
}

// UpdateInstitution persists the mutable fields of a tenant record
func (s *InstitutionService) UpdateInstitution(ctx context.Context, institution *models.Institution) error {
	notificationSettings, err := json.Marshal(institution.NotificationSettings)
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryValidation, "BAD_SETTINGS", "institution-service", "UpdateInstitution", false)
	}
	scanConfig, err := json.Marshal(institution.ScanConfig)
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryValidation, "BAD_SCAN_CONFIG", "institution-service", "UpdateInstitution", false)
	}
	if len(institution.CustomFields) == 0 {
		institution.CustomFields = json.RawMessage("{}")
	}

	query := `
		UPDATE institutions
		SET name = $2, contact_email = $3, webhook_url = $4, notification_settings = $5,
		    scan_config = $6, custom_fields = $7, active = $8, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING updated_at`

	err = s.db.QueryRowContext(ctx, query,
		institution.ID, institution.Name, institution.ContactEmail, institution.WebhookURL,
		notificationSettings, scanConfig, institution.CustomFields, institution.Active,
	).Scan(&institution.UpdatedAt)
	if err == sql.ErrNoRows {
		return shared.NewNotFoundError("institution", institution.ID.String(), "institution-service", "UpdateInstitution")
	}
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryDatabase, "UPDATE_FAILED", "institution-service", "UpdateInstitution", true)
	}

	return nil
}

// DeactivateInstitution soft-deletes a tenant
func (s *InstitutionService) DeactivateInstitution(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE institutions SET active = FALSE, updated_at = CURRENT_TIMESTAMP WHERE id = $1`, id)
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryDatabase, "UPDATE_FAILED", "institution-service", "DeactivateInstitution", true)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return shared.NewNotFoundError("institution", id.String(), "institution-service", "DeactivateInstitution")
	}

	logrus.WithField("institution_id", id).Info("Deactivated institution")
	return nil
}

// ListInstitutions returns all tenants, optionally only active ones
func (s *InstitutionService) ListInstitutions(ctx context.Context, activeOnly bool) ([]models.Institution, error) {
	query := `
		SELECT id, name, contact_email, webhook_url, notification_settings, scan_config, custom_fields, active, created_at, updated_at
		FROM institutions`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "QUERY_FAILED", "institution-service", "ListInstitutions", true)
	}
	defer rows.Close()

	var institutions []models.Institution
	for rows.Next() {
		institution, err := s.scanInstitutionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		institutions = append(institutions, *institution)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "QUERY_FAILED", "institution-service", "ListInstitutions", true)
	}

	return institutions, nil
}

func (s *InstitutionService) scanInstitution(row *sql.Row, id uuid.UUID) (*models.Institution, error) {
	institution, err := s.scanInstitutionRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, shared.NewNotFoundError("institution", id.String(), "institution-service", "GetInstitution")
	}
	return institution, err
}

func (s *InstitutionService) scanInstitutionRow(scan func(...interface{}) error) (*models.Institution, error) {
	var institution models.Institution
	var notificationSettings, scanConfig []byte
	var updatedAt, createdAt time.Time

	err := scan(&institution.ID, &institution.Name, &institution.ContactEmail, &institution.WebhookURL,
		&notificationSettings, &scanConfig, &institution.CustomFields, &institution.Active, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "SCAN_FAILED", "institution-service", "scanInstitutionRow", true)
	}

	institution.CreatedAt = createdAt
	institution.UpdatedAt = updatedAt

	if len(notificationSettings) > 0 {
		if err := json.Unmarshal(notificationSettings, &institution.NotificationSettings); err != nil {
			return nil, fmt.Errorf("failed to decode notification settings: %w", err)
		}
	}
	if len(scanConfig) > 0 {
		if err := json.Unmarshal(scanConfig, &institution.ScanConfig); err != nil {
			return nil, fmt.Errorf("failed to decode scan config: %w", err)
		}
	}

	return &institution, nil
}
