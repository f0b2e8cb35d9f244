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

package sendbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sendbridge/sendbridge/internal/notification"
	"github.com/sendbridge/sendbridge/model"
)

// postTransactionActions runs the fire-and-forget side effects of a settled
// or failed transaction. Failures here never affect the ledger outcome.
func (s *Sendbridge) postTransactionActions(_ context.Context, txn *model.Transaction) {
	go func() {
		msg := notification.PushMessage{
			OwnerID: txn.OwnerID,
			Title:   notificationTitle(txn),
			Body:    fmt.Sprintf("%s %s", txn.Amount.String(), walletCurrencyHint(txn)),
			Data: map[string]interface{}{
				"transaction_id": txn.TransactionID,
				"status":         txn.Status,
				"source":         txn.Source,
			},
		}
		if err := s.queue.queueNotification(msg); err != nil {
			notification.NotifyError(err)
		}
	}()
}

// postIngestActions runs the fire-and-forget side effects of a processed
// delivery: the pending-request cache entry for the external id is dropped,
// and verification outcomes notify the owner directly since they never pass
// through the ledger engine.
func (s *Sendbridge) postIngestActions(event *model.WebhookEvent, input IngestInput) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.redis.Del(ctx, pendingRequestKey(event.ExternalID)).Err(); err != nil {
			logrus.Warnf("failed to drop pending request cache for %s: %v", event.ExternalID, err)
		}

		if input.Status.IsVerification() && event.OwnerID != "" {
			title := "Identity verification complete"
			if input.Status == model.EventStatusVerificationFailed {
				title = "Identity verification failed"
			}
			if err := s.queue.queueNotification(notification.PushMessage{
				OwnerID: event.OwnerID,
				Title:   title,
				Body:    input.Description,
				Data:    map[string]interface{}{"external_id": event.ExternalID},
			}); err != nil {
				notification.NotifyError(err)
			}
		}
	}()
}

func notificationTitle(txn *model.Transaction) string {
	switch {
	case txn.Source == model.SourceRefund:
		return "Funds returned to your wallet"
	case txn.Status == model.StatusFailed:
		return "Transaction failed"
	case txn.Direction == model.DirectionCredit:
		return "You received funds"
	default:
		return "Transfer completed"
	}
}

func walletCurrencyHint(txn *model.Transaction) string {
	if c, ok := txn.MetaData["currency"].(string); ok {
		return c
	}
	return ""
}

func pendingRequestKey(externalID string) string {
	return "pending_request:" + externalID
}
