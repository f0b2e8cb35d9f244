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
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/sendbridge/sendbridge"
	model2 "github.com/sendbridge/sendbridge/api/model"
	"github.com/sendbridge/sendbridge/internal/apierror"
	"github.com/sendbridge/sendbridge/model"
)

const SignatureHeader = "X-Signature"

// IngestWebhook receives one provider delivery. Duplicates and invalid
// transitions answer 200 so the provider stops retrying; only an invalid
// signature earns a 4xx, and unexpected internal failures earn a 5xx so the
// provider retries the whole delivery.
func (a Api) IngestWebhook(c *gin.Context) {
	provider, passed := c.Params.Get("provider")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "provider is required. pass it in the route /webhooks/:provider"})
		return
	}

	rawBody, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unable to read request body"})
		return
	}

	var payload model2.WebhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid JSON payload"})
		return
	}
	if err := payload.ValidateWebhookPayload(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "errors": err.Error()})
		return
	}

	input, err := toIngestInput(provider, rawBody, c.GetHeader(SignatureHeader), payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	outcome, err := a.service.IngestWebhook(c.Request.Context(), input)
	if err != nil {
		status := apierror.MapErrorToHTTPStatus(err)
		if status < http.StatusInternalServerError && !apierror.IsCode(err, apierror.ErrUnauthorized) {
			// anything short of a signature failure should provoke a provider
			// retry, and only 5xx does that
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"classification": outcome.Classification,
	})
}

// GetWebhookEvent exposes the stored delivery chain for an external id.
func (a Api) GetWebhookEvent(c *gin.Context) {
	externalID, passed := c.Params.Get("external_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "external_id is required. pass it in the route /:external_id"})
		return
	}

	event, err := a.service.GetWebhookEvent(c.Request.Context(), externalID)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, event)
}

func toIngestInput(provider string, rawBody []byte, sig string, payload model2.WebhookPayload) (sendbridge.IngestInput, error) {
	entity, err := model.ParseEntityType(payload.Entity)
	if err != nil {
		return sendbridge.IngestInput{}, err
	}
	status, err := model.ParseEventStatus(payload.Status)
	if err != nil {
		return sendbridge.IngestInput{}, err
	}

	input := sendbridge.IngestInput{
		Provider:    provider,
		RawBody:     rawBody,
		Signature:   sig,
		ExternalID:  payload.ID,
		Entity:      entity,
		Status:      status,
		OwnerID:     payload.OwnerID,
		Description: payload.Description,
	}
	if payload.Balance != "" {
		amount, err := decimal.NewFromString(payload.Balance)
		if err != nil {
			return sendbridge.IngestInput{}, err
		}
		input.Amount = amount
	}
	if payload.Currency != "" {
		currency, err := model.ParseCurrency(payload.Currency)
		if err != nil {
			return sendbridge.IngestInput{}, err
		}
		input.Currency = currency
	}
	return input, nil
}
