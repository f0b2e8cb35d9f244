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
	"encoding/json"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/sendbridge/sendbridge/config"
	redis_db "github.com/sendbridge/sendbridge/internal/redis-db"
	"github.com/sendbridge/sendbridge/internal/notification"
)

// Queue represents a queue for handling various tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// NotificationTypePayload carries a push notification through the queue.
type NotificationTypePayload struct {
	Data notification.PushMessage
}

// WebhookRetryPayload identifies a stored event to re-run through ingestion.
type WebhookRetryPayload struct {
	ExternalID string `json:"external_id"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// queueNotification enqueues a push notification for the owner. Delivery is
// best effort: enqueue failures are logged and never fail the caller.
func (q *Queue) queueNotification(msg notification.PushMessage) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}
	if cfg.Notification.Push.Url == "" {
		return nil
	}

	payload, err := json.Marshal(NotificationTypePayload{Data: msg})
	if err != nil {
		return err
	}
	task := asynq.NewTask(cfg.Queue.NotificationQueue, payload,
		asynq.Queue(cfg.Queue.NotificationQueue),
		asynq.MaxRetry(3),
	)
	info, err := q.Client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	return nil
}

// queueWebhookRetry schedules a failed event for another ingestion attempt.
// The task id pins one in-flight retry per external id.
func (q *Queue) queueWebhookRetry(externalID string, delay time.Duration) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(WebhookRetryPayload{ExternalID: externalID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(cfg.Queue.WebhookRetryQueue, payload,
		asynq.TaskID(externalID),
		asynq.Queue(cfg.Queue.WebhookRetryQueue),
		asynq.ProcessIn(delay),
	)
	info, err := q.Client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued webhook retry: %s", externalID)
	return nil
}
