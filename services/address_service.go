package services

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/propalert/market-alert-backend/models"
	"github.com/propalert/market-alert-backend/shared"
	"github.com/sirupsen/logrus"
)

// AddressService manages tracked member addresses. Addresses are soft-deleted
// (marked inactive) rather than purged so match history keeps its referents.
type AddressService struct {
	db          *sql.DB
	matchEngine *MatchEngine
	pageSize    int
}

// NewAddressService creates an address service. The match engine fills the
// normalized-address cache on every write.
func NewAddressService(db *sql.DB, matchEngine *MatchEngine, pageSize int) *AddressService {
	if pageSize <= 0 {
		pageSize = 200
	}
	return &AddressService{db: db, matchEngine: matchEngine, pageSize: pageSize}
}

// CreateAddress inserts one tracked address
func (s *AddressService) CreateAddress(ctx context.Context, address *models.MemberAddress) error {
	address.NormalizedAddress = s.matchEngine.NormalizeAddress(address.Street, address.City, address.State, address.Zip)
	if address.PriorityTier == "" {
		address.PriorityTier = models.PriorityTierStandard
	}

	query := `
		INSERT INTO member_addresses (institution_id, member_ref, street, city, state, zip, normalized_address, priority_tier, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
		RETURNING id, created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query,
		address.InstitutionID, address.MemberRef, address.Street, address.City,
		address.State, address.Zip, address.NormalizedAddress, address.PriorityTier,
	).Scan(&address.ID, &address.CreatedAt, &address.UpdatedAt)
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryDatabase, "INSERT_FAILED", "address-service", "CreateAddress", true)
	}
	address.Active = true

	return nil
}

// BulkImport inserts a batch of addresses inside one transaction. Failures
// roll the whole batch back; the caller gets the count actually imported.
func (s *AddressService) BulkImport(ctx context.Context, institutionID uuid.UUID, addresses []models.MemberAddress) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, shared.WrapError(err, shared.ErrorCategoryDatabase, "TX_BEGIN_FAILED", "address-service", "BulkImport", true)
	}
	defer tx.Rollback()

	statement, err := tx.PrepareContext(ctx, `
		INSERT INTO member_addresses (institution_id, member_ref, street, city, state, zip, normalized_address, priority_tier, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)`)
	if err != nil {
		return 0, shared.WrapError(err, shared.ErrorCategoryDatabase, "PREPARE_FAILED", "address-service", "BulkImport", true)
	}
	defer statement.Close()

	imported := 0
	for _, address := range addresses {
		normalized := s.matchEngine.NormalizeAddress(address.Street, address.City, address.State, address.Zip)
		tier := address.PriorityTier
		if tier == "" {
			tier = models.PriorityTierStandard
		}

		if _, err := statement.ExecContext(ctx,
			institutionID, address.MemberRef, address.Street, address.City,
			address.State, address.Zip, normalized, tier); err != nil {
			return 0, shared.WrapError(err, shared.ErrorCategoryDatabase, "INSERT_FAILED", "address-service", "BulkImport", true)
		}
		imported++
	}

	if err := tx.Commit(); err != nil {
		return 0, shared.WrapError(err, shared.ErrorCategoryDatabase, "TX_COMMIT_FAILED", "address-service", "BulkImport", true)
	}

	logrus.WithFields(logrus.Fields{
		"institution_id": institutionID,
		"imported":       imported,
	}).Info("Bulk imported member addresses")

	return imported, nil
}

// GetAddress fetches one address by id
func (s *AddressService) GetAddress(ctx context.Context, id uuid.UUID) (*models.MemberAddress, error) {
	query := `
		SELECT id, institution_id, member_ref, street, city, state, zip, normalized_address, priority_tier, active, created_at, updated_at
		FROM member_addresses WHERE id = $1`

	var address models.MemberAddress
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&address.ID, &address.InstitutionID, &address.MemberRef, &address.Street,
		&address.City, &address.State, &address.Zip, &address.NormalizedAddress,
		&address.PriorityTier, &address.Active, &address.CreatedAt, &address.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, shared.NewNotFoundError("address", id.String(), "address-service", "GetAddress")
	}
	if err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "QUERY_FAILED", "address-service", "GetAddress", true)
	}

	return &address, nil
}

// UpdateAddress persists edits to an address and refreshes the normalized cache
func (s *AddressService) UpdateAddress(ctx context.Context, address *models.MemberAddress) error {
	address.NormalizedAddress = s.matchEngine.NormalizeAddress(address.Street, address.City, address.State, address.Zip)

	query := `
		UPDATE member_addresses
		SET member_ref = $2, street = $3, city = $4, state = $5, zip = $6,
		    normalized_address = $7, priority_tier = $8, active = $9, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING updated_at`

	err := s.db.QueryRowContext(ctx, query,
		address.ID, address.MemberRef, address.Street, address.City, address.State,
		address.Zip, address.NormalizedAddress, address.PriorityTier, address.Active,
	).Scan(&address.UpdatedAt)
	if err == sql.ErrNoRows {
		return shared.NewNotFoundError("address", address.ID.String(), "address-service", "UpdateAddress")
	}
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryDatabase, "UPDATE_FAILED", "address-service", "UpdateAddress", true)
	}

	return nil
}

// SoftDeleteAddress marks an address inactive
func (s *AddressService) SoftDeleteAddress(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE member_addresses SET active = FALSE, updated_at = CURRENT_TIMESTAMP WHERE id = $1`, id)
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryDatabase, "UPDATE_FAILED", "address-service", "SoftDeleteAddress", true)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return shared.NewNotFoundError("address", id.String(), "address-service", "SoftDeleteAddress")
	}

	return nil
}

// ListAddresses returns an institution's addresses for the admin API
func (s *AddressService) ListAddresses(ctx context.Context, institutionID uuid.UUID, activeOnly bool) ([]models.MemberAddress, error) {
	query := `
		SELECT id, institution_id, member_ref, street, city, state, zip, normalized_address, priority_tier, active, created_at, updated_at
		FROM member_addresses WHERE institution_id = $1`
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, institutionID)
	if err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "QUERY_FAILED", "address-service", "ListAddresses", true)
	}
	defer rows.Close()

	return scanAddressRows(rows)
}

// StreamActive streams an institution's active addresses through a channel in
// keyset-paginated pages, so a large institution never materializes its full
// address book in memory. The error channel carries at most one error and both
// channels close when the stream ends or ctx is cancelled.
func (s *AddressService) StreamActive(ctx context.Context, institutionID uuid.UUID) (<-chan models.MemberAddress, <-chan error) {
	addresses := make(chan models.MemberAddress, s.pageSize)
	errs := make(chan error, 1)

	go func() {
		defer close(addresses)
		defer close(errs)

		var lastID uuid.UUID
		for {
			page, err := s.fetchActivePage(ctx, institutionID, lastID)
			if err != nil {
				errs <- err
				return
			}
			if len(page) == 0 {
				return
			}

			for _, address := range page {
				select {
				case addresses <- address:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			lastID = page[len(page)-1].ID

			if len(page) < s.pageSize {
				return
			}
		}
	}()

	return addresses, errs
}

func (s *AddressService) fetchActivePage(ctx context.Context, institutionID, afterID uuid.UUID) ([]models.MemberAddress, error) {
	query := `
		SELECT id, institution_id, member_ref, street, city, state, zip, normalized_address, priority_tier, active, created_at, updated_at
		FROM member_addresses
		WHERE institution_id = $1 AND active AND id > $2
		ORDER BY id
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, institutionID, afterID, s.pageSize)
	if err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "QUERY_FAILED", "address-service", "fetchActivePage", true)
	}
	defer rows.Close()

	return scanAddressRows(rows)
}

func scanAddressRows(rows *sql.Rows) ([]models.MemberAddress, error) {
	var addresses []models.MemberAddress
	for rows.Next() {
		var address models.MemberAddress
		err := rows.Scan(
			&address.ID, &address.InstitutionID, &address.MemberRef, &address.Street,
			&address.City, &address.State, &address.Zip, &address.NormalizedAddress,
			&address.PriorityTier, &address.Active, &address.CreatedAt, &address.UpdatedAt)
		if err != nil {
			return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "SCAN_FAILED", "address-service", "scanAddressRows", true)
		}
		addresses = append(addresses, address)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "QUERY_FAILED", "address-service", "scanAddressRows", true)
	}
	return addresses, nil
}
