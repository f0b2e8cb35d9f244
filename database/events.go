/*
Copyright 2024 Sendbridge Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sendbridge/sendbridge/internal/apierror"
	"github.com/sendbridge/sendbridge/model"
)

const webhookEventColumns = `external_id, entity_type, last_status, raw_payload,
	processing_status, owner_id, notes, error_message, retry_count, received_at, processed_at`

// InsertWebhookEvent inserts the first record for an external id. The unique
// constraint on external_id arbitrates concurrent first deliveries: exactly
// one insert wins. Returns false, without error, when the row already exists.
func (d Datasource) InsertWebhookEvent(ctx context.Context, event *model.WebhookEvent) (bool, error) {
	res, err := d.Conn.ExecContext(ctx, `
		INSERT INTO sendbridge.webhook_events (external_id, entity_type, last_status, raw_payload,
			processing_status, owner_id, notes, error_message, retry_count, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (external_id) DO NOTHING
	`, event.ExternalID, event.EntityType, event.LastStatus, []byte(event.RawPayload),
		event.ProcessingStatus, nullString(event.OwnerID), nullString(event.Notes),
		nullString(event.ErrorMessage), event.RetryCount, event.ReceivedAt)
	if err != nil {
		// MySQL has no DO NOTHING clause; the driver surfaces the duplicate key.
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to insert webhook event", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to read insert result", err)
	}
	return inserted > 0, nil
}

// GetWebhookEvent retrieves the stored event for an external id.
func (d Datasource) GetWebhookEvent(ctx context.Context, externalID string) (*model.WebhookEvent, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+webhookEventColumns+`
		FROM sendbridge.webhook_events
		WHERE external_id = $1
	`, externalID)

	event, err := scanWebhookEvent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound,
				fmt.Sprintf("webhook event with external ID '%s' not found", externalID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve webhook event", err)
	}
	return event, nil
}

// UpdateWebhookEvent overwrites the event row in place. Progressions never
// create a second row for the same external id.
func (d Datasource) UpdateWebhookEvent(ctx context.Context, event *model.WebhookEvent) error {
	res, err := d.Conn.ExecContext(ctx, `
		UPDATE sendbridge.webhook_events
		SET last_status = $2, raw_payload = $3, processing_status = $4, owner_id = $5,
			notes = $6, error_message = $7, retry_count = $8, processed_at = $9
		WHERE external_id = $1
	`, event.ExternalID, event.LastStatus, []byte(event.RawPayload), event.ProcessingStatus,
		nullString(event.OwnerID), nullString(event.Notes), nullString(event.ErrorMessage),
		event.RetryCount, event.ProcessedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to update webhook event", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to read update result", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound,
			fmt.Sprintf("webhook event with external ID '%s' not found", event.ExternalID), nil)
	}
	return nil
}

// GetRetryableWebhookEvents retrieves failed events still under the retry
// budget, oldest first. The retry worker re-runs these through ingestion.
func (d Datasource) GetRetryableWebhookEvents(ctx context.Context, maxRetries int, limit int) ([]*model.WebhookEvent, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+webhookEventColumns+`
		FROM sendbridge.webhook_events
		WHERE processing_status = $1 AND retry_count < $2
		ORDER BY received_at ASC
		LIMIT $3
	`, model.EventProcessingFailed, maxRetries, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve webhook events", err)
	}
	defer rows.Close()

	events := []*model.WebhookEvent{}
	for rows.Next() {
		event, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to scan webhook event", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to iterate webhook events", err)
	}
	return events, nil
}

func scanWebhookEvent(row rowScanner) (*model.WebhookEvent, error) {
	event := model.WebhookEvent{}
	var (
		ownerID, notes, errorMessage sql.NullString
		rawPayload                   []byte
		processedAt                  sql.NullTime
	)
	err := row.Scan(&event.ExternalID, &event.EntityType, &event.LastStatus, &rawPayload,
		&event.ProcessingStatus, &ownerID, &notes, &errorMessage, &event.RetryCount,
		&event.ReceivedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	event.RawPayload = rawPayload
	event.OwnerID = ownerID.String
	event.Notes = notes.String
	event.ErrorMessage = errorMessage.String
	if processedAt.Valid {
		event.ProcessedAt = &processedAt.Time
	}
	return &event, nil
}
