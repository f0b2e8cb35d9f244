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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5401"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"SENDBRIDGE_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"SENDBRIDGE_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"SENDBRIDGE_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"SENDBRIDGE_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"SENDBRIDGE_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"SENDBRIDGE_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"SENDBRIDGE_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"SENDBRIDGE_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"SENDBRIDGE_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	NotificationQueue  string `json:"notification_queue" envconfig:"SENDBRIDGE_QUEUE_NOTIFICATION"`
	WebhookRetryQueue  string `json:"webhook_retry_queue" envconfig:"SENDBRIDGE_QUEUE_WEBHOOK_RETRY"`
	PendingSweepQueue  string `json:"pending_sweep_queue" envconfig:"SENDBRIDGE_QUEUE_PENDING_SWEEP"`
	MaxRetryAttempts   int    `json:"max_retry_attempts" envconfig:"SENDBRIDGE_QUEUE_MAX_RETRY_ATTEMPTS"`
	PendingSweepCron   string `json:"pending_sweep_cron" envconfig:"SENDBRIDGE_QUEUE_PENDING_SWEEP_CRON"`
	StalePendingMinute int    `json:"stale_pending_minutes" envconfig:"SENDBRIDGE_QUEUE_STALE_PENDING_MINUTES"`
}

// ProviderConfig carries the per-provider webhook verification secret. An
// empty secret disables signature verification for that provider.
type ProviderConfig struct {
	WebhookSecret string `json:"webhook_secret"`
}

type ProvidersConfig struct {
	AptPay  ProviderConfig `json:"aptpay"`
	Paga    ProviderConfig `json:"paga"`
	DotBank ProviderConfig `json:"dotbank"`
	Sumsub  ProviderConfig `json:"sumsub"`
}

// SecretFor returns the webhook secret for a provider slug, or "" when the
// provider is unknown or unsigned.
func (p ProvidersConfig) SecretFor(provider string) string {
	switch strings.ToLower(provider) {
	case "aptpay":
		return p.AptPay.WebhookSecret
	case "paga":
		return p.Paga.WebhookSecret
	case "dotbank":
		return p.DotBank.WebhookSecret
	case "sumsub":
		return p.Sumsub.WebhookSecret
	default:
		return ""
	}
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
	Push  struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"push"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"SENDBRIDGE_PROJECT_NAME"`
	Server       ServerConfig     `json:"server"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	Queue        QueueConfig      `json:"queue"`
	Providers    ProvidersConfig  `json:"providers"`
	Notification Notification     `json:"notification"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("sendbridge", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called sendbridge.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Sendbridge Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Queue.NotificationQueue == "" {
		cnf.Queue.NotificationQueue = "notifications"
	}
	if cnf.Queue.WebhookRetryQueue == "" {
		cnf.Queue.WebhookRetryQueue = "webhook_retry"
	}
	if cnf.Queue.PendingSweepQueue == "" {
		cnf.Queue.PendingSweepQueue = "pending_sweep"
	}
	if cnf.Queue.MaxRetryAttempts <= 0 {
		cnf.Queue.MaxRetryAttempts = 5
	}
	if cnf.Queue.PendingSweepCron == "" {
		cnf.Queue.PendingSweepCron = "@every 5m"
	}
	if cnf.Queue.StalePendingMinute <= 0 {
		cnf.Queue.StalePendingMinute = 30
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	_ = mockConfig.validateDefaultsForTest()
	ConfigStore.Store(mockConfig)
}

// validateDefaultsForTest fills queue defaults without enforcing required
// fields, so tests can run with a partial configuration.
func (cnf *Configuration) validateDefaultsForTest() error {
	if cnf.Queue.NotificationQueue == "" {
		cnf.Queue.NotificationQueue = "notifications"
	}
	if cnf.Queue.WebhookRetryQueue == "" {
		cnf.Queue.WebhookRetryQueue = "webhook_retry"
	}
	if cnf.Queue.PendingSweepQueue == "" {
		cnf.Queue.PendingSweepQueue = "pending_sweep"
	}
	if cnf.Queue.MaxRetryAttempts <= 0 {
		cnf.Queue.MaxRetryAttempts = 5
	}
	if cnf.Queue.StalePendingMinute <= 0 {
		cnf.Queue.StalePendingMinute = 30
	}
	return nil
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
