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
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sendbridge/sendbridge"
	"github.com/sendbridge/sendbridge/config"
	"github.com/sendbridge/sendbridge/database"
	"github.com/sendbridge/sendbridge/internal/notification"
)

// CLI wraps the root Cobra command for the sendbridge binary.
type CLI struct {
	cmd *cobra.Command
}

// sendbridgeInstance holds the service and its configuration for the
// lifetime of a command.
type sendbridgeInstance struct {
	service *sendbridge.Sendbridge
	cnf     *config.Configuration
}

// recoverPanic logs any panic raised during command execution and exits.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and wires the service before any
// subcommand runs.
func preRun(app *sendbridgeInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("sendbridge.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		service, err := setupSendbridge(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.service = service
		app.cnf = cnf

		return nil
	}
}

// setupSendbridge connects the datasource and builds the service from it.
func setupSendbridge(cfg *config.Configuration) (*sendbridge.Sendbridge, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	service, err := sendbridge.NewSendbridge(db)
	if err != nil {
		return nil, fmt.Errorf("error creating service: %v", err)
	}
	return service, nil
}

// NewCLI assembles the root command and its server, workers and migrate
// subcommands.
func NewCLI() *CLI {
	var configFile string
	b := &sendbridgeInstance{}

	var rootCmd = &cobra.Command{
		Use:   "sendbridge",
		Short: "Payment webhook ingestion and wallet ledger",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./sendbridge.json", "Configuration file for sendbridge")

	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(migrateCommands(b))

	return &CLI{cmd: rootCmd}
}

func (w CLI) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
