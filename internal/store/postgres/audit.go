package postgres

import (
	"context"
	"fmt"

	"directory-auth/internal/audit"
)

// AuditStore appends events to the audit_events table. Rows are never
// updated or deleted by the service.
type AuditStore struct {
	db DB
}

func NewAuditStore(db DB) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) Append(ctx context.Context, event audit.Event) error {
	var payload any
	if len(event.Payload) > 0 {
		payload = string(event.Payload)
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_events (id, event_type, description, success, user_id, ip_address, client_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		event.ID, string(event.Category), event.Description, event.Success,
		nullableString(event.UserID), nullableString(event.IPAddress), nullableString(event.ClientID),
		payload, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
