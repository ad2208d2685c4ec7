package services

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/propalert/market-alert-backend/models"
	"github.com/propalert/market-alert-backend/shared"
)

// AlertService persists property alerts. Alerts are append-only audit
// records: the dispatcher adds delivery results, nothing deletes them.
type AlertService struct {
	db *sql.DB
}

// NewAlertService creates an alert service
func NewAlertService(db *sql.DB) *AlertService {
	return &AlertService{db: db}
}

// CreateAlert inserts a new alert produced by the match engine
func (s *AlertService) CreateAlert(ctx context.Context, alert *models.PropertyAlert) error {
	listing, err := json.Marshal(alert.Listing)
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryValidation, "BAD_LISTING", "alert-service", "CreateAlert", false)
	}
	if alert.DeliveryResults == nil {
		alert.DeliveryResults = []models.DeliveryResult{}
	}
	deliveryResults, err := json.Marshal(alert.DeliveryResults)
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryValidation, "BAD_DELIVERY_RESULTS", "alert-service", "CreateAlert", false)
	}

	query := `
		INSERT INTO property_alerts (institution_id, address_id, member_ref, confidence, method, listing, delivery_results, processed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
		RETURNING id, created_at, updated_at`

	err = s.db.QueryRowContext(ctx, query,
		alert.InstitutionID, alert.AddressID, alert.MemberRef,
		alert.Confidence, alert.Method, listing, deliveryResults,
	).Scan(&alert.ID, &alert.CreatedAt, &alert.UpdatedAt)
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryDatabase, "INSERT_FAILED", "alert-service", "CreateAlert", true)
	}

	return nil
}

// RecordDeliveryResults stores the per-channel outcomes and marks the alert
// processed
func (s *AlertService) RecordDeliveryResults(ctx context.Context, alertID uuid.UUID, results []models.DeliveryResult) error {
	encoded, err := json.Marshal(results)
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryValidation, "BAD_DELIVERY_RESULTS", "alert-service", "RecordDeliveryResults", false)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE property_alerts
		SET delivery_results = $2, processed = TRUE, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`, alertID, encoded)
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryDatabase, "UPDATE_FAILED", "alert-service", "RecordDeliveryResults", true)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return shared.NewNotFoundError("alert", alertID.String(), "alert-service", "RecordDeliveryResults")
	}

	return nil
}

// MarkProcessed flags an alert as handled without touching its delivery
// results. Used when no channel is configured so the alert does not stay
// pending forever.
func (s *AlertService) MarkProcessed(ctx context.Context, alertID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE property_alerts
		SET processed = TRUE, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`, alertID)
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryDatabase, "UPDATE_FAILED", "alert-service", "MarkProcessed", true)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return shared.NewNotFoundError("alert", alertID.String(), "alert-service", "MarkProcessed")
	}

	return nil
}

// ListRecent returns an institution's alerts, newest first
func (s *AlertService) ListRecent(ctx context.Context, institutionID uuid.UUID, limit int) ([]models.PropertyAlert, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := `
		SELECT id, institution_id, address_id, member_ref, confidence, method, listing, delivery_results, processed, created_at, updated_at
		FROM property_alerts
		WHERE institution_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, institutionID, limit)
	if err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "QUERY_FAILED", "alert-service", "ListRecent", true)
	}
	defer rows.Close()

	var alerts []models.PropertyAlert
	for rows.Next() {
		var alert models.PropertyAlert
		var listing, deliveryResults []byte

		err := rows.Scan(&alert.ID, &alert.InstitutionID, &alert.AddressID, &alert.MemberRef,
			&alert.Confidence, &alert.Method, &listing, &deliveryResults,
			&alert.Processed, &alert.CreatedAt, &alert.UpdatedAt)
		if err != nil {
			return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "SCAN_FAILED", "alert-service", "ListRecent", true)
		}

		if err := json.Unmarshal(listing, &alert.Listing); err != nil {
			return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "BAD_LISTING", "alert-service", "ListRecent", false)
		}
		if err := json.Unmarshal(deliveryResults, &alert.DeliveryResults); err != nil {
			return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "BAD_DELIVERY_RESULTS", "alert-service", "ListRecent", false)
		}

		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "QUERY_FAILED", "alert-service", "ListRecent", true)
	}

	return alerts, nil
}
