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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/sendbridge/sendbridge"
	"github.com/sendbridge/sendbridge/config"
	"github.com/sendbridge/sendbridge/internal/notification"
	redis_db "github.com/sendbridge/sendbridge/internal/redis-db"
)

// processNotification delivers a queued push notification to the gateway.
// Delivery is best effort; Send logs and swallows gateway failures.
func (b *sendbridgeInstance) processNotification(_ context.Context, t *asynq.Task) error {
	var payload sendbridge.NotificationTypePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	notification.Send(payload.Data)
	log.Println(" [*] Notification Sent", payload.Data.OwnerID)
	return nil
}

// processWebhookRetry re-runs a failed webhook event through ingestion.
// When the replay itself fails again, the event record is already marked
// failed and rescheduled by the service, so the task is not returned to
// asynq for a second retry track.
func (b *sendbridgeInstance) processWebhookRetry(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("sendbridge.webhooks.worker").Start(ctx, "Replay Webhook From Retry Queue")
	defer span.End()

	var payload sendbridge.WebhookRetryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	outcome, err := b.service.ReplayWebhookEvent(ctx, payload.ExternalID)
	if err != nil {
		if outcome == nil {
			// The event never reached dispatch; let asynq retry the task.
			logrus.Errorf("webhook replay %s failed before dispatch: %v", payload.ExternalID, err)
			return err
		}
		logrus.Infof("webhook replay %s failed, rescheduled by service: %v", payload.ExternalID, err)
		return nil
	}

	log.Println(" [*] Webhook Replayed", payload.ExternalID, outcome.Classification)
	return nil
}

// sweepPendingTransactions flags PENDING transactions older than the
// configured age. The scheduler enqueues this task on the sweep cron.
func (b *sendbridgeInstance) sweepPendingTransactions(ctx context.Context, _ *asynq.Task) error {
	ctx, span := otel.Tracer("sendbridge.transactions.worker").Start(ctx, "Sweep Stale Pending Transactions")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	olderThan := time.Now().Add(-time.Duration(cfg.Queue.StalePendingMinute) * time.Minute)
	flagged, err := b.service.SweepStalePendingTransactions(ctx, olderThan, 100)
	if err != nil {
		return err
	}

	if flagged > 0 {
		log.Printf(" [*] Flagged %d stale pending transactions", flagged)
	}
	return nil
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.WebhookRetryQueue] = 3
	queues[cfg.Queue.NotificationQueue] = 1
	queues[cfg.Queue.PendingSweepQueue] = 1
	return queues
}

func redisClientOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	opt, err := redisClientOpt(conf)
	if err != nil {
		return nil, err
	}

	return asynq.NewServer(opt, asynq.Config{
		Concurrency: 1,
		Queues:      queues,
	}), nil
}

// initializeScheduler registers the periodic pending-transaction sweep.
func initializeScheduler(conf *config.Configuration) (*asynq.Scheduler, error) {
	opt, err := redisClientOpt(conf)
	if err != nil {
		return nil, err
	}

	scheduler := asynq.NewScheduler(opt, nil)
	sweep := asynq.NewTask(conf.Queue.PendingSweepQueue, nil, asynq.Queue(conf.Queue.PendingSweepQueue))
	if _, err := scheduler.Register(conf.Queue.PendingSweepCron, sweep); err != nil {
		return nil, fmt.Errorf("error registering pending sweep: %v", err)
	}
	return scheduler, nil
}

func initializeTaskHandlers(b *sendbridgeInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	mux.HandleFunc(cfg.Queue.NotificationQueue, b.processNotification)
	mux.HandleFunc(cfg.Queue.WebhookRetryQueue, b.processWebhookRetry)
	mux.HandleFunc(cfg.Queue.PendingSweepQueue, b.sweepPendingTransactions)
}

// workerCommands defines the "workers" command. The workers drain the
// notification, webhook retry and pending sweep queues.
func workerCommands(b *sendbridgeInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start sendbridge workers",
		Run: func(cmd *cobra.Command, args []string) {
			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, mux)

			scheduler, err := initializeScheduler(conf)
			if err != nil {
				log.Fatal(err)
			}
			if err := scheduler.Start(); err != nil {
				log.Fatalf("could not start scheduler: %v", err)
			}
			defer scheduler.Shutdown()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
