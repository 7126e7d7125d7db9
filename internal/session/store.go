package session

import (
	"context"
	"time"

	goerrors "errors"

	"github.com/nexabot/wagate/internal/domain"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// State is the persisted view of a tenant session.
type State struct {
	Status          string
	QrData          string
	Phone           string
	LastConnectedAt *time.Time
	LastError       string
}

// Store mirrors session state and credentials to the persistence layer.
// Writes are best-effort from the manager's perspective: failures are
// logged by the caller and never roll back in-memory transitions.
type Store interface {
	LoadCredentials(ctx context.Context, tenantID string) (*CredentialBundle, error)
	SaveCredentials(ctx context.Context, tenantID string, creds *CredentialBundle) error
	ClearCredentials(ctx context.Context, tenantID string) error
	SaveState(ctx context.Context, tenantID string, st State) error
	LoadState(ctx context.Context, tenantID string) (*State, error)
	Touch(ctx context.Context, tenantID string, at time.Time) error
	ConnectedTenants(ctx context.Context) ([]string, error)
}

// GormStore persists bot_session rows and keeps the tenant record's
// wa_connected/wa_phone mirror in sync.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) LoadCredentials(ctx context.Context, tenantID string) (*CredentialBundle, error) {
	var row domain.BotSession
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&row).Error
	if goerrors.Is(err, gorm.ErrRecordNotFound) {
		return NewCredentialBundle(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load session row")
	}
	return DecodeCredentials(row.AuthState)
}

func (s *GormStore) SaveCredentials(ctx context.Context, tenantID string, creds *CredentialBundle) error {
	raw, err := EncodeCredentials(creds)
	if err != nil {
		return err
	}
	return errors.Wrap(s.upsert(ctx, tenantID, map[string]interface{}{
		"auth_state": raw,
		"updated_at": time.Now(),
	}), "save credentials")
}

func (s *GormStore) ClearCredentials(ctx context.Context, tenantID string) error {
	raw, err := EncodeCredentials(NewCredentialBundle())
	if err != nil {
		return err
	}
	return errors.Wrap(s.upsert(ctx, tenantID, map[string]interface{}{
		"auth_state": raw,
		"updated_at": time.Now(),
	}), "clear credentials")
}

func (s *GormStore) SaveState(ctx context.Context, tenantID string, st State) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":       st.Status,
		"qr_data":      st.QrData,
		"phone_number": st.Phone,
		"last_error":   st.LastError,
		"last_seen_at": &now,
		"updated_at":   now,
	}
	if st.LastConnectedAt != nil {
		updates["last_connected_at"] = st.LastConnectedAt
	}
	if err := s.upsert(ctx, tenantID, updates); err != nil {
		return errors.Wrap(err, "save session state")
	}
	// Mirror for dashboard reads; the session row is the full record.
	connected := st.Status == StatusConnected
	err := s.db.WithContext(ctx).Model(&domain.Tenant{}).
		Where("tenant_id = ?", tenantID).
		Updates(map[string]interface{}{"wa_connected": connected, "wa_phone": st.Phone}).Error
	return errors.Wrap(err, "mirror tenant state")
}

func (s *GormStore) LoadState(ctx context.Context, tenantID string) (*State, error) {
	var row domain.BotSession
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&row).Error
	if goerrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load session state")
	}
	return &State{
		Status:          row.Status,
		QrData:          row.QrData,
		Phone:           row.PhoneNumber,
		LastConnectedAt: row.LastConnectedAt,
		LastError:       row.LastError,
	}, nil
}

func (s *GormStore) Touch(ctx context.Context, tenantID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&domain.BotSession{}).
		Where("tenant_id = ?", tenantID).
		Updates(map[string]interface{}{"last_seen_at": &at, "updated_at": at}).Error
	return errors.Wrap(err, "touch session")
}

func (s *GormStore) ConnectedTenants(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&domain.BotSession{}).
		Where("status = ?", StatusConnected).
		Pluck("tenant_id", &ids).Error
	return ids, errors.Wrap(err, "list connected tenants")
}

func (s *GormStore) upsert(ctx context.Context, tenantID string, updates map[string]interface{}) error {
	row := domain.BotSession{TenantID: tenantID, Status: StatusDisconnected}
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		DoNothing: true,
	}).Create(&row)
	if tx.Error != nil {
		return tx.Error
	}
	return s.db.WithContext(ctx).Model(&domain.BotSession{}).
		Where("tenant_id = ?", tenantID).
		Updates(updates).Error
}
