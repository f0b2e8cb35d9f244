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

package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/sendbridge/sendbridge"
	"github.com/sendbridge/sendbridge/config"
	"github.com/sendbridge/sendbridge/database/mocks"
	"github.com/sendbridge/sendbridge/internal/apierror"
	"github.com/sendbridge/sendbridge/internal/signature"
	"github.com/sendbridge/sendbridge/model"
)

type TestRequest struct {
	Payload  io.Reader
	Router   *gin.Engine
	Response interface{}
	Method   string
	Route    string
	Header   map[string]string
}

func SetUpTestRequest(s TestRequest) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(s.Method, s.Route, s.Payload)
	for key, value := range s.Header {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.Router.ServeHTTP(resp, req)

	if s.Response != nil {
		err := json.NewDecoder(resp.Body).Decode(&s.Response)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func setupRouter(t *testing.T, conf *config.Configuration) (*gin.Engine, *mocks.MockDataSource) {
	t.Helper()
	mr := miniredis.RunT(t)
	if conf == nil {
		conf = &config.Configuration{}
	}
	conf.Redis.Dns = mr.Addr()
	config.MockConfig(conf)

	mockDS := new(mocks.MockDataSource)
	service, err := sendbridge.NewSendbridge(mockDS)
	if err != nil {
		t.Fatalf("Error creating service: %s", err)
	}
	return NewAPI(service).Router(), mockDS
}

func notFound(msg string) error {
	return apierror.NewAPIError(apierror.ErrNotFound, msg, nil)
}

func TestWebhookEndpoint_DuplicateDeliveryIsAcknowledged(t *testing.T) {
	router, mockDS := setupRouter(t, nil)

	stored := &model.WebhookEvent{ExternalID: "apt_99", EntityType: model.EntityDisbursement, LastStatus: model.EventStatusOK}
	mockDS.On("GetWebhookEvent", mock.Anything, "apt_99").Return(stored, nil)

	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Method:   "POST",
		Route:    "/webhooks/aptpay",
		Payload:  bytes.NewBufferString(`{"id":"apt_99","entity":"disbursement","status":"OK"}`),
		Router:   router,
		Response: &response,
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, true, response["success"])
	assert.Equal(t, string(sendbridge.ExactDuplicate), response["classification"])
}

func TestWebhookEndpoint_SettlesPendingTransaction(t *testing.T) {
	router, mockDS := setupRouter(t, nil)

	stored := &model.WebhookEvent{ExternalID: "apt_99", EntityType: model.EntityDisbursement, LastStatus: model.EventStatusOK}
	pending := &model.Transaction{TransactionID: "txn_1", WalletID: "wlt_1", Status: model.StatusPending, Direction: model.DirectionDebit, Amount: decimal.NewFromInt(40)}
	completed := &model.Transaction{TransactionID: "txn_1", WalletID: "wlt_1", Status: model.StatusCompleted, Direction: model.DirectionDebit, Amount: decimal.NewFromInt(40)}

	mockDS.On("GetWebhookEvent", mock.Anything, "apt_99").Return(stored, nil)
	mockDS.On("UpdateWebhookEvent", mock.Anything, mock.Anything).Return(nil)
	mockDS.On("GetTransactionByExternalID", mock.Anything, "apt_99").Return(pending, nil)
	mockDS.On("GetTransaction", mock.Anything, "txn_1").Return(pending, nil)
	mockDS.On("CompleteTransaction", mock.Anything, "txn_1", mock.Anything, mock.Anything).Return(completed, nil)

	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Method:   "POST",
		Route:    "/webhooks/aptpay",
		Payload:  bytes.NewBufferString(`{"id":"apt_99","entity":"disbursement","status":"SETTLED"}`),
		Router:   router,
		Response: &response,
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, string(sendbridge.ValidProgression), response["classification"])
	mockDS.AssertExpectations(t)
}

func TestWebhookEndpoint_RejectsForgedSignature(t *testing.T) {
	conf := &config.Configuration{}
	conf.Providers.AptPay.WebhookSecret = "s3cret"
	router, _ := setupRouter(t, conf)

	resp, err := SetUpTestRequest(TestRequest{
		Method:  "POST",
		Route:   "/webhooks/aptpay",
		Payload: bytes.NewBufferString(`{"id":"apt_99","entity":"disbursement","status":"OK"}`),
		Router:  router,
		Header:  map[string]string{SignatureHeader: "forged"},
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestWebhookEndpoint_AcceptsSignedPayload(t *testing.T) {
	conf := &config.Configuration{}
	conf.Providers.AptPay.WebhookSecret = "s3cret"
	router, mockDS := setupRouter(t, conf)

	stored := &model.WebhookEvent{ExternalID: "apt_99", EntityType: model.EntityDisbursement, LastStatus: model.EventStatusOK}
	mockDS.On("GetWebhookEvent", mock.Anything, "apt_99").Return(stored, nil)

	body := []byte(`{"id":"apt_99","entity":"disbursement","status":"OK"}`)
	resp, err := SetUpTestRequest(TestRequest{
		Method:  "POST",
		Route:   "/webhooks/aptpay",
		Payload: bytes.NewBuffer(body),
		Router:  router,
		Header:  map[string]string{SignatureHeader: signature.Compute(body, "s3cret")},
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestWebhookEndpoint_UnknownStatusIsRejected(t *testing.T) {
	router, _ := setupRouter(t, nil)

	resp, err := SetUpTestRequest(TestRequest{
		Method:  "POST",
		Route:   "/webhooks/aptpay",
		Payload: bytes.NewBufferString(`{"id":"apt_99","entity":"disbursement","status":"MAYBE"}`),
		Router:  router,
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestWebhookEndpoint_MissingFieldsAreRejected(t *testing.T) {
	router, _ := setupRouter(t, nil)

	resp, err := SetUpTestRequest(TestRequest{
		Method:  "POST",
		Route:   "/webhooks/aptpay",
		Payload: bytes.NewBufferString(`{"status":"OK"}`),
		Router:  router,
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

// An internal dispatch failure answers 5xx so the provider redelivers; the
// redelivery is safe because classification is idempotent.
func TestWebhookEndpoint_InternalFailureTriggersProviderRetry(t *testing.T) {
	router, mockDS := setupRouter(t, nil)

	stored := &model.WebhookEvent{ExternalID: "apt_99", EntityType: model.EntityDisbursement, LastStatus: model.EventStatusOK}
	mockDS.On("GetWebhookEvent", mock.Anything, "apt_99").Return(stored, nil)
	mockDS.On("UpdateWebhookEvent", mock.Anything, mock.Anything).Return(nil)
	mockDS.On("GetTransactionByExternalID", mock.Anything, "apt_99").Return(nil, notFound("transaction not found"))

	resp, err := SetUpTestRequest(TestRequest{
		Method:  "POST",
		Route:   "/webhooks/aptpay",
		Payload: bytes.NewBufferString(`{"id":"apt_99","entity":"disbursement","status":"SETTLED"}`),
		Router:  router,
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}
