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

package model

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// WebhookPayload is the wire shape every provider posts. Fields beyond id,
// entity and status are provider-dependent and may be absent.
type WebhookPayload struct {
	ID          string `json:"id"`
	Entity      string `json:"entity"`
	Status      string `json:"status"`
	Balance     string `json:"balance,omitempty"`
	Currency    string `json:"currency,omitempty"`
	Date        string `json:"date,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
	Description string `json:"description,omitempty"`
	OwnerID     string `json:"ownerId,omitempty"`
}

func (w WebhookPayload) ValidateWebhookPayload() error {
	return validation.ValidateStruct(&w,
		validation.Field(&w.ID, validation.Required),
		validation.Field(&w.Entity, validation.Required),
		validation.Field(&w.Status, validation.Required),
	)
}

type CreateWallet struct {
	OwnerID  string                 `json:"owner_id"`
	Currency string                 `json:"currency"`
	MetaData map[string]interface{} `json:"meta_data"`
}

func (c CreateWallet) ValidateCreateWallet() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.OwnerID, validation.Required),
		validation.Field(&c.Currency, validation.Required, validation.In("NGN", "CAD", "USD")),
	)
}

type ManualAdjustment struct {
	OwnerID   string                 `json:"owner_id"`
	Currency  string                 `json:"currency"`
	Direction string                 `json:"direction"`
	Amount    string                 `json:"amount"`
	Reason    string                 `json:"reason"`
	MetaData  map[string]interface{} `json:"meta_data"`
}

func (m ManualAdjustment) ValidateManualAdjustment() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.OwnerID, validation.Required),
		validation.Field(&m.Currency, validation.Required, validation.In("NGN", "CAD", "USD")),
		validation.Field(&m.Direction, validation.Required, validation.In("CREDIT", "DEBIT")),
		validation.Field(&m.Amount, validation.Required),
		validation.Field(&m.Reason, validation.Required),
	)
}
