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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/sendbridge/sendbridge/config"
	"github.com/sendbridge/sendbridge/database/mocks"
	"github.com/sendbridge/sendbridge/internal/apierror"
	"github.com/sendbridge/sendbridge/internal/signature"
	"github.com/sendbridge/sendbridge/model"
)

func newTestSendbridge(t *testing.T, conf *config.Configuration) (*Sendbridge, *mocks.MockDataSource) {
	t.Helper()
	mr := miniredis.RunT(t)
	if conf == nil {
		conf = &config.Configuration{}
	}
	conf.Redis.Dns = mr.Addr()
	config.MockConfig(conf)

	mockDS := new(mocks.MockDataSource)
	sb, err := NewSendbridge(mockDS)
	if err != nil {
		t.Fatalf("Error creating Sendbridge instance: %s", err)
	}
	return sb, mockDS
}

func notFoundErr(id string) error {
	return apierror.NewAPIError(apierror.ErrNotFound, "webhook event with external ID '"+id+"' not found", nil)
}

func TestIngestWebhook_NewDisbursementAcknowledgement(t *testing.T) {
	sb, mockDS := newTestSendbridge(t, nil)

	wallet := &model.Wallet{WalletID: "wlt_1", OwnerID: "own_1", Currency: model.CurrencyCAD, Balance: decimal.NewFromInt(100)}
	pending := &model.Transaction{
		TransactionID:         "txn_1",
		OwnerID:               "own_1",
		WalletID:              "wlt_1",
		Direction:             model.DirectionDebit,
		Amount:                decimal.NewFromInt(40),
		Status:                model.StatusPending,
		Source:                model.SourceDisbursementSent,
		ExternalTransactionID: "apt_99",
		FundsReservedUpfront:  true,
	}

	mockDS.On("GetWebhookEvent", mock.Anything, "apt_99").Return(nil, notFoundErr("apt_99")).Once()
	mockDS.On("InsertWebhookEvent", mock.Anything, mock.Anything).Return(true, nil)
	mockDS.On("GetTransactionByExternalID", mock.Anything, "apt_99").
		Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "not found", nil))
	mockDS.On("GetWallet", mock.Anything, "own_1", model.CurrencyCAD).Return(wallet, nil)
	mockDS.On("CreatePendingTransaction", mock.Anything, mock.Anything).Return(pending, nil)
	mockDS.On("UpdateWebhookEvent", mock.Anything, mock.Anything).Return(nil)

	outcome, err := sb.IngestWebhook(context.Background(), IngestInput{
		Provider:   "aptpay",
		ExternalID: "apt_99",
		Entity:     model.EntityDisbursement,
		Status:     model.EventStatusOK,
		OwnerID:    "own_1",
		Amount:     decimal.NewFromInt(40),
		Currency:   model.CurrencyCAD,
		RawBody:    []byte(`{"id":"apt_99","status":"OK"}`),
	})
	assert.NoError(t, err)
	assert.Equal(t, NewEvent, outcome.Classification)
	assert.Equal(t, model.StatusPending, outcome.Transaction.Status)
	assert.True(t, outcome.Transaction.FundsReservedUpfront)
	assert.Equal(t, model.EventProcessingProcessed, outcome.Event.ProcessingStatus)
	mockDS.AssertExpectations(t)

	// the created obligation carries the provider id and the upfront flag
	created := mockDS.Calls[4].Arguments.Get(1).(*model.Transaction)
	assert.Equal(t, "apt_99", created.ExternalTransactionID)
	assert.Equal(t, model.DirectionDebit, created.Direction)
}

func TestIngestWebhook_ExactDuplicateIsNoOp(t *testing.T) {
	sb, mockDS := newTestSendbridge(t, nil)

	stored := storedEvent(model.EventStatusOK)
	mockDS.On("GetWebhookEvent", mock.Anything, "apt_99").Return(stored, nil)

	outcome, err := sb.IngestWebhook(context.Background(), IngestInput{
		ExternalID: "apt_99",
		Entity:     model.EntityDisbursement,
		Status:     model.EventStatusOK,
	})
	assert.NoError(t, err)
	assert.Equal(t, ExactDuplicate, outcome.Classification)
	assert.Nil(t, outcome.Transaction)
	// nothing beyond the lookup ran
	mockDS.AssertNumberOfCalls(t, "GetWebhookEvent", 1)
	mockDS.AssertNotCalled(t, "UpdateWebhookEvent", mock.Anything, mock.Anything)
	mockDS.AssertNotCalled(t, "CompleteTransaction", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestWebhook_RegressionIsDiscarded(t *testing.T) {
	sb, mockDS := newTestSendbridge(t, nil)

	stored := storedEvent(model.EventStatusSettled)
	mockDS.On("GetWebhookEvent", mock.Anything, "apt_99").Return(stored, nil)

	outcome, err := sb.IngestWebhook(context.Background(), IngestInput{
		ExternalID: "apt_99",
		Entity:     model.EntityDisbursement,
		Status:     model.EventStatusOK,
	})
	assert.NoError(t, err)
	assert.Equal(t, InvalidTransition, outcome.Classification)
	mockDS.AssertNotCalled(t, "UpdateWebhookEvent", mock.Anything, mock.Anything)
	mockDS.AssertNotCalled(t, "GetTransactionByExternalID", mock.Anything, mock.Anything)
}

func TestIngestWebhook_SettleProgressionCompletesTransaction(t *testing.T) {
	sb, mockDS := newTestSendbridge(t, nil)

	stored := storedEvent(model.EventStatusOK)
	pending := &model.Transaction{
		TransactionID: "txn_1",
		OwnerID:       "own_1",
		WalletID:      "wlt_1",
		Direction:     model.DirectionDebit,
		Amount:        decimal.NewFromInt(40),
		Status:        model.StatusPending,
	}
	completed := &model.Transaction{
		TransactionID: "txn_1",
		OwnerID:       "own_1",
		WalletID:      "wlt_1",
		Direction:     model.DirectionDebit,
		Amount:        decimal.NewFromInt(40),
		Status:        model.StatusCompleted,
		BalanceBefore: decimal.NewFromInt(100),
		BalanceAfter:  decimal.NewFromInt(60),
	}

	mockDS.On("GetWebhookEvent", mock.Anything, "apt_99").Return(stored, nil)
	mockDS.On("UpdateWebhookEvent", mock.Anything, mock.Anything).Return(nil)
	mockDS.On("GetTransactionByExternalID", mock.Anything, "apt_99").Return(pending, nil)
	mockDS.On("GetTransaction", mock.Anything, "txn_1").Return(pending, nil)
	mockDS.On("CompleteTransaction", mock.Anything, "txn_1", mock.Anything, mock.Anything).Return(completed, nil)

	outcome, err := sb.IngestWebhook(context.Background(), IngestInput{
		Provider:   "aptpay",
		ExternalID: "apt_99",
		Entity:     model.EntityDisbursement,
		Status:     model.EventStatusSettled,
		RawBody:    []byte(`{"id":"apt_99","status":"SETTLED"}`),
	})
	assert.NoError(t, err)
	assert.Equal(t, ValidProgression, outcome.Classification)
	assert.Equal(t, model.StatusCompleted, outcome.Transaction.Status)
	assert.Equal(t, model.EventStatusSettled, outcome.Event.LastStatus)
	assert.Contains(t, outcome.Event.Notes, "OK -> SETTLED")
	assert.Equal(t, model.EventProcessingProcessed, outcome.Event.ProcessingStatus)
	mockDS.AssertExpectations(t)
}

func TestIngestWebhook_FailureProgressionRefundsReservedFunds(t *testing.T) {
	sb, mockDS := newTestSendbridge(t, nil)

	stored := storedEvent(model.EventStatusOK)
	pending := &model.Transaction{
		TransactionID:        "txn_1",
		OwnerID:              "own_1",
		WalletID:             "wlt_1",
		Direction:            model.DirectionDebit,
		Amount:               decimal.NewFromInt(40),
		Status:               model.StatusPending,
		FundsReservedUpfront: true,
	}
	failed := &model.Transaction{
		TransactionID:        "txn_1",
		Status:               model.StatusFailed,
		Direction:            model.DirectionDebit,
		Amount:               decimal.NewFromInt(40),
		FundsReservedUpfront: true,
		FailureReason:        "beneficiary account closed",
	}
	refund := &model.Transaction{
		TransactionID:     "txn_2",
		Direction:         model.DirectionCredit,
		Amount:            decimal.NewFromInt(40),
		Status:            model.StatusCompleted,
		Source:            model.SourceRefund,
		ParentTransaction: "txn_1",
	}

	mockDS.On("GetWebhookEvent", mock.Anything, "apt_99").Return(stored, nil)
	mockDS.On("UpdateWebhookEvent", mock.Anything, mock.Anything).Return(nil)
	mockDS.On("GetTransactionByExternalID", mock.Anything, "apt_99").Return(pending, nil)
	mockDS.On("GetTransaction", mock.Anything, "txn_1").Return(pending, nil)
	mockDS.On("FailTransaction", mock.Anything, "txn_1", mock.Anything, "beneficiary account closed", mock.Anything).
		Return(failed, refund, nil)

	outcome, err := sb.IngestWebhook(context.Background(), IngestInput{
		ExternalID:  "apt_99",
		Entity:      model.EntityDisbursement,
		Status:      model.EventStatusFailed,
		Description: "beneficiary account closed",
	})
	assert.NoError(t, err)
	assert.Equal(t, model.StatusFailed, outcome.Transaction.Status)
	assert.NotNil(t, outcome.Refund)
	assert.Equal(t, model.SourceRefund, outcome.Refund.Source)
	assert.Equal(t, "txn_1", outcome.Refund.ParentTransaction)
	mockDS.AssertExpectations(t)
}

// A lost first-delivery insert race is a duplicate, not an error: exactly one
// row exists and the winner owns the ledger dispatch.
func TestIngestWebhook_ConcurrentFirstDeliveryLosesRace(t *testing.T) {
	sb, mockDS := newTestSendbridge(t, nil)

	stored := storedEvent(model.EventStatusOK)
	mockDS.On("GetWebhookEvent", mock.Anything, "apt_99").Return(nil, notFoundErr("apt_99")).Once()
	mockDS.On("InsertWebhookEvent", mock.Anything, mock.Anything).Return(false, nil)
	mockDS.On("GetWebhookEvent", mock.Anything, "apt_99").Return(stored, nil).Once()

	outcome, err := sb.IngestWebhook(context.Background(), IngestInput{
		ExternalID: "apt_99",
		Entity:     model.EntityDisbursement,
		Status:     model.EventStatusOK,
	})
	assert.NoError(t, err)
	assert.Equal(t, ExactDuplicate, outcome.Classification)
	mockDS.AssertNotCalled(t, "CreatePendingTransaction", mock.Anything, mock.Anything)
	mockDS.AssertExpectations(t)
}

func TestIngestWebhook_InvalidSignature(t *testing.T) {
	conf := &config.Configuration{}
	conf.Providers.AptPay.WebhookSecret = "s3cret"
	sb, mockDS := newTestSendbridge(t, conf)

	_, err := sb.IngestWebhook(context.Background(), IngestInput{
		Provider:   "aptpay",
		ExternalID: "apt_99",
		Entity:     model.EntityDisbursement,
		Status:     model.EventStatusOK,
		RawBody:    []byte(`{"id":"apt_99"}`),
		Signature:  "forged",
	})
	assert.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrUnauthorized))
	mockDS.AssertNotCalled(t, "GetWebhookEvent", mock.Anything, mock.Anything)
}

func TestIngestWebhook_ValidSignature(t *testing.T) {
	conf := &config.Configuration{}
	conf.Providers.AptPay.WebhookSecret = "s3cret"
	sb, mockDS := newTestSendbridge(t, conf)

	body := []byte(`{"id":"apt_99","status":"OK"}`)
	stored := storedEvent(model.EventStatusOK)
	mockDS.On("GetWebhookEvent", mock.Anything, "apt_99").Return(stored, nil)

	outcome, err := sb.IngestWebhook(context.Background(), IngestInput{
		Provider:   "aptpay",
		ExternalID: "apt_99",
		Entity:     model.EntityDisbursement,
		Status:     model.EventStatusOK,
		RawBody:    body,
		Signature:  signature.Compute(body, "s3cret"),
	})
	assert.NoError(t, err)
	assert.Equal(t, ExactDuplicate, outcome.Classification)
}

// A webhook for a transaction already out of PENDING reports success so the
// provider stops retrying.
func TestIngestWebhook_AlreadyTerminalIsSuccess(t *testing.T) {
	sb, mockDS := newTestSendbridge(t, nil)

	stored := storedEvent(model.EventStatusOK)
	terminal := &model.Transaction{
		TransactionID: "txn_1",
		WalletID:      "wlt_1",
		Status:        model.StatusCompleted,
	}

	mockDS.On("GetWebhookEvent", mock.Anything, "apt_99").Return(stored, nil)
	mockDS.On("UpdateWebhookEvent", mock.Anything, mock.Anything).Return(nil)
	mockDS.On("GetTransactionByExternalID", mock.Anything, "apt_99").Return(terminal, nil)
	mockDS.On("GetTransaction", mock.Anything, "txn_1").Return(terminal, nil)
	mockDS.On("CompleteTransaction", mock.Anything, "txn_1", mock.Anything, mock.Anything).
		Return(terminal, model.ErrNotPending)

	outcome, err := sb.IngestWebhook(context.Background(), IngestInput{
		ExternalID: "apt_99",
		Entity:     model.EntityDisbursement,
		Status:     model.EventStatusSettled,
	})
	assert.NoError(t, err)
	assert.Equal(t, model.EventProcessingProcessed, outcome.Event.ProcessingStatus)
	mockDS.AssertExpectations(t)
}

// A dispatch failure marks the event failed with a bumped retry count and
// surfaces the error so the provider retries the delivery.
func TestIngestWebhook_DispatchFailureRecordsRetry(t *testing.T) {
	sb, mockDS := newTestSendbridge(t, nil)

	stored := storedEvent(model.EventStatusOK)
	mockDS.On("GetWebhookEvent", mock.Anything, "apt_99").Return(stored, nil)
	mockDS.On("UpdateWebhookEvent", mock.Anything, mock.Anything).Return(nil)
	mockDS.On("GetTransactionByExternalID", mock.Anything, "apt_99").
		Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "not found", nil))

	outcome, err := sb.IngestWebhook(context.Background(), IngestInput{
		ExternalID: "apt_99",
		Entity:     model.EntityDisbursement,
		Status:     model.EventStatusSettled,
	})
	assert.Error(t, err)
	assert.Equal(t, model.EventProcessingFailed, outcome.Event.ProcessingStatus)
	assert.Equal(t, 1, outcome.Event.RetryCount)
	assert.NotEmpty(t, outcome.Event.ErrorMessage)

	conf, err := config.Fetch()
	assert.NoError(t, err)
	scheduled, _ := sb.queue.Inspector.ListScheduledTasks(conf.Queue.WebhookRetryQueue)
	assert.Len(t, scheduled, 1)
}

// Insufficient funds is not transient, so the failure is recorded but no
// internal replay is scheduled; the provider's own redelivery is the retry.
func TestIngestWebhook_InsufficientFundsIsNotRetriedInternally(t *testing.T) {
	sb, mockDS := newTestSendbridge(t, nil)

	wallet := &model.Wallet{WalletID: "wlt_1", OwnerID: "own_1", Currency: model.CurrencyCAD, Balance: decimal.NewFromInt(10)}

	mockDS.On("GetWebhookEvent", mock.Anything, "apt_99").Return(nil, notFoundErr("apt_99")).Once()
	mockDS.On("InsertWebhookEvent", mock.Anything, mock.Anything).Return(true, nil)
	mockDS.On("GetTransactionByExternalID", mock.Anything, "apt_99").
		Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "not found", nil))
	mockDS.On("GetWallet", mock.Anything, "own_1", model.CurrencyCAD).Return(wallet, nil)
	mockDS.On("CreatePendingTransaction", mock.Anything, mock.Anything).Return(nil, model.ErrInsufficientFunds)
	mockDS.On("UpdateWebhookEvent", mock.Anything, mock.Anything).Return(nil)

	outcome, err := sb.IngestWebhook(context.Background(), IngestInput{
		ExternalID: "apt_99",
		Entity:     model.EntityDisbursement,
		Status:     model.EventStatusOK,
		OwnerID:    "own_1",
		Amount:     decimal.NewFromInt(40),
		Currency:   model.CurrencyCAD,
	})
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
	assert.Equal(t, model.EventProcessingFailed, outcome.Event.ProcessingStatus)
	assert.Equal(t, 1, outcome.Event.RetryCount)

	conf, err := config.Fetch()
	assert.NoError(t, err)
	scheduled, _ := sb.queue.Inspector.ListScheduledTasks(conf.Queue.WebhookRetryQueue)
	assert.Empty(t, scheduled)
}

func TestIngestWebhook_VerificationNeverTouchesLedger(t *testing.T) {
	sb, mockDS := newTestSendbridge(t, nil)

	mockDS.On("GetWebhookEvent", mock.Anything, "sum_1").Return(nil, notFoundErr("sum_1")).Once()
	mockDS.On("InsertWebhookEvent", mock.Anything, mock.Anything).Return(true, nil)
	mockDS.On("UpdateWebhookEvent", mock.Anything, mock.Anything).Return(nil)

	outcome, err := sb.IngestWebhook(context.Background(), IngestInput{
		Provider:   "sumsub",
		ExternalID: "sum_1",
		Entity:     model.EntityVerification,
		Status:     model.EventStatusVerificationCompleted,
		OwnerID:    "own_1",
	})
	assert.NoError(t, err)
	assert.Nil(t, outcome.Transaction)
	assert.Equal(t, model.EventProcessingProcessed, outcome.Event.ProcessingStatus)
	mockDS.AssertNotCalled(t, "GetTransactionByExternalID", mock.Anything, mock.Anything)
	mockDS.AssertNotCalled(t, "CreatePendingTransaction", mock.Anything, mock.Anything)

	// allow the fire-and-forget cache invalidation goroutine to run
	time.Sleep(50 * time.Millisecond)
}
