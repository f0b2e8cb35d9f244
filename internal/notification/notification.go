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

package notification

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sendbridge/sendbridge/config"
	"github.com/sendbridge/sendbridge/internal/request"
	"github.com/sirupsen/logrus"
)

// PushMessage is the payload delivered to the push gateway for a wallet
// owner. Delivery is best effort; the ledger outcome never depends on it.
type PushMessage struct {
	OwnerID string                 `json:"owner_id"`
	Title   string                 `json:"title"`
	Body    string                 `json:"body"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Send posts a push notification to the configured gateway. Failures are
// logged and swallowed.
func Send(msg PushMessage) {
	conf, err := config.Fetch()
	if err != nil {
		log.Println(err)
		return
	}
	if conf.Notification.Push.Url == "" {
		return
	}

	payload, err := request.ToJsonReq(&msg)
	if err != nil {
		logrus.Error(err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, conf.Notification.Push.Url, payload)
	if err != nil {
		logrus.Error(err)
		return
	}
	for key, value := range conf.Notification.Push.Headers {
		req.Header.Set(key, value)
	}

	resp, err := request.Call(req, nil)
	if err != nil {
		logrus.Errorf("push notification for %s failed: %v", msg.OwnerID, err)
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logrus.Errorf("push gateway returned %d for %s", resp.StatusCode, msg.OwnerID)
	}
}

// SlackNotification reports a system error to the configured Slack webhook.
func SlackNotification(err error) {
	data := json.RawMessage(fmt.Sprintf(`{
		"blocks": [
			{
				"type": "header",
				"text": {
					"type": "plain_text",
					"text": "Error From Sendbridge 🐞",
					"emoji": true
				}
			},
			{
				"type": "section",
				"fields": [
					{
						"type": "mrkdwn",
						"text": "*Error:*\n%v"
					}
				]
			},
			{
				"type": "section",
				"fields": [
					{
						"type": "mrkdwn",
						"text": "*Time:*\n%v"
					}
				]
			}
		]
	}`, err.Error(), time.Now().Format(time.RFC822)))

	conf, err := config.Fetch()
	if err != nil {
		log.Println(err)
		return
	}

	payload, err := request.ToJsonReq(&data)
	if err != nil {
		log.Println(err)
		return
	}

	req, err := http.NewRequest("POST", conf.Notification.Slack.WebhookUrl, payload)
	if err != nil {
		log.Println(err)
		return
	}

	var response map[string]interface{}
	_, err = request.Call(req, &response)
	if err != nil {
		log.Println(err)
	}
}

// NotifyError logs a system error and forwards it to Slack when configured.
// Runs asynchronously so callers never block on reporting.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)

		conf, err := config.Fetch()
		if err != nil {
			log.Println(err)
			return
		}

		if conf.Notification.Slack.WebhookUrl != "" {
			SlackNotification(systemError)
		}
	}(systemError)
}
