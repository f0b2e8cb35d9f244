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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/sendbridge/sendbridge/config"
	"github.com/sendbridge/sendbridge/internal/apierror"
	"github.com/sendbridge/sendbridge/internal/notification"
	"github.com/sendbridge/sendbridge/internal/signature"
	"github.com/sendbridge/sendbridge/model"
)

// IngestInput is a provider notification decoded at the boundary. RawBody and
// Signature are kept for HMAC verification; everything else is already typed.
type IngestInput struct {
	Provider    string
	RawBody     []byte
	Signature   string
	ExternalID  string
	Entity      model.EntityType
	Status      model.EventStatus
	OwnerID     string
	Amount      decimal.Decimal
	Currency    model.Currency
	Description string
}

// IngestOutcome reports what a delivery did. Duplicates and invalid
// transitions are successful no-ops, not errors.
type IngestOutcome struct {
	Classification Classification     `json:"classification"`
	Event          *model.WebhookEvent `json:"event,omitempty"`
	Transaction    *model.Transaction  `json:"transaction,omitempty"`
	Refund         *model.Transaction  `json:"refund,omitempty"`
}

// IngestWebhook runs one provider delivery through signature verification,
// deduplication, the progression check, the ledger dispatch and the event
// outcome write. Deliveries for different external ids run concurrently; the
// unique constraint on external_id arbitrates concurrent first deliveries.
func (s *Sendbridge) IngestWebhook(ctx context.Context, input IngestInput) (*IngestOutcome, error) {
	ctx, span := tracer.Start(ctx, "Ingesting webhook")
	defer span.End()

	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	if secret := conf.Providers.SecretFor(input.Provider); secret != "" {
		if !signature.Verify(input.RawBody, secret, input.Signature) {
			return nil, apierror.NewAPIError(apierror.ErrUnauthorized,
				fmt.Sprintf("invalid webhook signature from provider %s", input.Provider), nil)
		}
	}

	previous, err := s.lookupEvent(ctx, input.ExternalID)
	if err != nil {
		return nil, err
	}

	classification := ClassifyTransition(previous, input.Status)
	switch classification {
	case ExactDuplicate:
		logrus.Infof("webhook %s redelivered with status %s, ignoring", input.ExternalID, input.Status)
		return &IngestOutcome{Classification: ExactDuplicate, Event: previous}, nil

	case InvalidTransition:
		logrus.Warnf("webhook %s attempted %s -> %s, discarding", input.ExternalID, previous.LastStatus, input.Status)
		return &IngestOutcome{Classification: InvalidTransition, Event: previous}, nil

	case NewEvent:
		event := &model.WebhookEvent{
			ExternalID:       input.ExternalID,
			EntityType:       input.Entity,
			LastStatus:       input.Status,
			RawPayload:       json.RawMessage(input.RawBody),
			ProcessingStatus: model.EventProcessingPending,
			OwnerID:          input.OwnerID,
			ReceivedAt:       time.Now(),
		}
		inserted, err := s.datasource.InsertWebhookEvent(ctx, event)
		if err != nil {
			return nil, err
		}
		if !inserted {
			// lost the first-delivery race; the winner owns the processing
			stored, err := s.datasource.GetWebhookEvent(ctx, input.ExternalID)
			if err != nil {
				return nil, err
			}
			return &IngestOutcome{Classification: ExactDuplicate, Event: stored}, nil
		}
		return s.dispatchAndFinalize(ctx, event, input, NewEvent)

	case ValidProgression:
		previous.AppendNote(fmt.Sprintf("%s -> %s", previous.LastStatus, input.Status))
		previous.LastStatus = input.Status
		previous.RawPayload = json.RawMessage(input.RawBody)
		previous.ProcessingStatus = model.EventProcessingPending
		if previous.OwnerID == "" {
			previous.OwnerID = input.OwnerID
		}
		if err := s.datasource.UpdateWebhookEvent(ctx, previous); err != nil {
			return nil, err
		}
		return s.dispatchAndFinalize(ctx, previous, input, ValidProgression)
	}

	return nil, fmt.Errorf("unhandled classification %s", classification)
}

func (s *Sendbridge) lookupEvent(ctx context.Context, externalID string) (*model.WebhookEvent, error) {
	event, err := s.datasource.GetWebhookEvent(ctx, externalID)
	if err != nil {
		if apierror.IsCode(err, apierror.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return event, nil
}

// dispatchAndFinalize runs the ledger work for an accepted event and persists
// the processing outcome. Dispatch failures mark the event failed and schedule
// a bounded retry; they still surface to the caller so the provider retries.
func (s *Sendbridge) dispatchAndFinalize(ctx context.Context, event *model.WebhookEvent, input IngestInput, classification Classification) (*IngestOutcome, error) {
	outcome := &IngestOutcome{Classification: classification, Event: event}

	txn, refund, dispatchErr := s.dispatch(ctx, event, input)
	outcome.Transaction = txn
	outcome.Refund = refund

	now := time.Now()
	if dispatchErr != nil {
		event.ProcessingStatus = model.EventProcessingFailed
		event.ErrorMessage = dispatchErr.Error()
		event.RetryCount++
		if err := s.datasource.UpdateWebhookEvent(ctx, event); err != nil {
			logrus.Errorf("failed to record webhook failure for %s: %v", event.ExternalID, err)
		}
		if errors.Is(dispatchErr, model.ErrInsufficientFunds) {
			// not transient: replaying cannot succeed until the wallet is
			// funded, and the provider redelivers on its own schedule
			logrus.Warnf("webhook %s failed on insufficient funds, not retried internally", event.ExternalID)
		} else {
			s.scheduleRetry(event)
		}
		return outcome, dispatchErr
	}

	event.ProcessingStatus = model.EventProcessingProcessed
	event.ProcessedAt = &now
	event.ErrorMessage = ""
	if err := s.datasource.UpdateWebhookEvent(ctx, event); err != nil {
		logrus.Errorf("failed to record webhook outcome for %s: %v", event.ExternalID, err)
	}

	s.postIngestActions(event, input)
	return outcome, nil
}

// dispatch routes an accepted event to the ledger engine keyed by entity type
// and status. A transaction already out of PENDING is treated as settled work
// and not an error, so provider retry storms die out.
func (s *Sendbridge) dispatch(ctx context.Context, event *model.WebhookEvent, input IngestInput) (*model.Transaction, *model.Transaction, error) {
	if event.EntityType == model.EntityVerification || input.Status.IsVerification() {
		// notification only, the verification domain never touches the ledger
		return nil, nil, nil
	}

	switch input.Status {
	case model.EventStatusOK:
		return s.acknowledgePayment(ctx, event, input)

	case model.EventStatusSettled:
		txn, err := s.datasource.GetTransactionByExternalID(ctx, event.ExternalID)
		if err != nil {
			return nil, nil, err
		}
		completed, err := s.CompleteTransaction(ctx, txn.TransactionID, time.Now(), settlementMeta(input))
		if err == model.ErrNotPending {
			logrus.Infof("transaction %s already terminal, settle webhook %s is a no-op", txn.TransactionID, event.ExternalID)
			return completed, nil, nil
		}
		return completed, nil, err

	case model.EventStatusFailed, model.EventStatusError:
		txn, err := s.datasource.GetTransactionByExternalID(ctx, event.ExternalID)
		if err != nil {
			return nil, nil, err
		}
		reason := input.Description
		if reason == "" {
			reason = fmt.Sprintf("provider reported %s", input.Status)
		}
		failed, refund, err := s.FailTransaction(ctx, txn.TransactionID, time.Now(), reason, settlementMeta(input))
		if err == model.ErrNotPending {
			logrus.Infof("transaction %s already terminal, failure webhook %s is a no-op", txn.TransactionID, event.ExternalID)
			return failed, nil, nil
		}
		return failed, refund, err
	}

	return nil, nil, fmt.Errorf("no ledger dispatch for entity %s with status %s", event.EntityType, input.Status)
}

// acknowledgePayment handles the provider's OK acceptance. The obligation is
// normally recorded PENDING when the outbound call is issued, so an existing
// row makes this a no-op; otherwise the row is created here. A disbursement
// debit carries funds_reserved_upfront: recording it debits the wallet, so a
// settlement later flips the status without moving funds again and a failure
// credits the reservation back.
func (s *Sendbridge) acknowledgePayment(ctx context.Context, event *model.WebhookEvent, input IngestInput) (*model.Transaction, *model.Transaction, error) {
	existing, err := s.datasource.GetTransactionByExternalID(ctx, event.ExternalID)
	if err == nil {
		return existing, nil, nil
	}
	if !apierror.IsCode(err, apierror.ErrNotFound) {
		return nil, nil, err
	}

	wallet, err := s.datasource.GetWallet(ctx, input.OwnerID, input.Currency)
	if err != nil {
		return nil, nil, err
	}

	txn := &model.Transaction{
		OwnerID:               input.OwnerID,
		WalletID:              wallet.WalletID,
		Amount:                input.Amount,
		ExternalTransactionID: event.ExternalID,
		ReferenceID:           model.GenerateUUIDWithSuffix("ref"),
		MetaData:              settlementMeta(input),
	}
	switch event.EntityType {
	case model.EntityDisbursement:
		txn.Direction = model.DirectionDebit
		txn.Source = model.SourceDisbursementSent
		txn.FundsReservedUpfront = true
	case model.EntityRequestPay:
		txn.Direction = model.DirectionCredit
		txn.Source = model.SourceRequestPayReceived
	default:
		return nil, nil, fmt.Errorf("no ledger dispatch for entity %s with status %s", event.EntityType, input.Status)
	}

	recorded, err := s.RecordPendingTransaction(ctx, txn)
	if err != nil {
		if apierror.IsCode(err, apierror.ErrConflict) {
			// concurrent delivery created it between the read and the insert
			concurrent, getErr := s.datasource.GetTransactionByExternalID(ctx, event.ExternalID)
			return concurrent, nil, getErr
		}
		return nil, nil, err
	}
	return recorded, nil, nil
}

// scheduleRetry enqueues a re-ingestion of a failed event while it is still
// under the retry budget.
func (s *Sendbridge) scheduleRetry(event *model.WebhookEvent) {
	conf, err := config.Fetch()
	if err != nil {
		return
	}
	if event.RetryCount >= conf.Queue.MaxRetryAttempts {
		logrus.Errorf("webhook %s exhausted %d retry attempts", event.ExternalID, event.RetryCount)
		notification.NotifyError(fmt.Errorf("webhook %s exhausted retries: %s", event.ExternalID, event.ErrorMessage))
		return
	}
	delay := time.Duration(event.RetryCount) * time.Minute
	if err := s.queue.queueWebhookRetry(event.ExternalID, delay); err != nil {
		logrus.Errorf("failed to schedule retry for webhook %s: %v", event.ExternalID, err)
	}
}

// ReplayWebhookEvent re-runs a stored event through ingestion using its
// persisted payload. The retry worker calls this; classification keeps the
// replay idempotent.
func (s *Sendbridge) ReplayWebhookEvent(ctx context.Context, externalID string) (*IngestOutcome, error) {
	event, err := s.datasource.GetWebhookEvent(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if event.ProcessingStatus != model.EventProcessingFailed {
		return &IngestOutcome{Classification: ExactDuplicate, Event: event}, nil
	}

	input, err := replayInput(event)
	if err != nil {
		return nil, err
	}
	return s.dispatchAndFinalize(ctx, event, input, ValidProgression)
}

func replayInput(event *model.WebhookEvent) (IngestInput, error) {
	var payload struct {
		Amount      string `json:"balance"`
		Currency    string `json:"currency"`
		Description string `json:"description"`
	}
	if len(event.RawPayload) > 0 {
		if err := json.Unmarshal(event.RawPayload, &payload); err != nil {
			return IngestInput{}, err
		}
	}

	input := IngestInput{
		ExternalID:  event.ExternalID,
		Entity:      event.EntityType,
		Status:      event.LastStatus,
		OwnerID:     event.OwnerID,
		RawBody:     event.RawPayload,
		Description: payload.Description,
	}
	if payload.Amount != "" {
		amount, err := decimal.NewFromString(payload.Amount)
		if err != nil {
			return IngestInput{}, err
		}
		input.Amount = amount
	}
	if payload.Currency != "" {
		currency, err := model.ParseCurrency(payload.Currency)
		if err != nil {
			return IngestInput{}, err
		}
		input.Currency = currency
	}
	return input, nil
}

func settlementMeta(input IngestInput) map[string]interface{} {
	meta := map[string]interface{}{
		"provider":    input.Provider,
		"external_id": input.ExternalID,
	}
	if input.Currency != "" {
		meta["currency"] = string(input.Currency)
	}
	if input.Description != "" {
		meta["description"] = input.Description
	}
	return meta
}

