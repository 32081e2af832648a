// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command stratum runs the namespaced JSON document store: streaming
// ingestion into Postgres, asynchronous indexing into Elasticsearch, and
// filtered search over /ns.
//
// Usage:
//
//	stratum serve
//	stratum serve --address :9000 --log-level debug
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/stratum/pkg/config"
	"github.com/kadirpekel/stratum/pkg/docstore"
	"github.com/kadirpekel/stratum/pkg/logger"
	"github.com/kadirpekel/stratum/pkg/observability"
	"github.com/kadirpekel/stratum/pkg/searchstore"
	"github.com/kadirpekel/stratum/pkg/server"
	"github.com/kadirpekel/stratum/pkg/service"
	"github.com/kadirpekel/stratum/pkg/tasks"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the document store server."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("stratum version %s\n", version)
	return nil
}

// ServeCmd starts the HTTP server and the task consumer.
type ServeCmd struct {
	Address string `help:"Listen address (overrides SERVER__ADDRESS)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if c.Address != "" {
		cfg.Server.Address = c.Address
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	docs, err := docstore.Open(cfg.Postgres.DSN, docstore.Options{
		MaxConns: cfg.Postgres.MaxConns,
		MaxIdle:  cfg.Postgres.MaxIdle,
	})
	if err != nil {
		return err
	}
	defer docs.Close()

	search, err := searchstore.New(cfg.ElasticSearch.DSN)
	if err != nil {
		return err
	}

	metrics, err := observability.InitMetrics(ctx)
	if err != nil {
		return err
	}

	coordinator := service.NewCoordinator(docs, search,
		service.WithMetrics(metrics),
		service.WithLogger(logger.GetLogger()),
	)

	var queue tasks.Queue
	if cfg.RabbitMQ.DSN != "" {
		amqpQueue, err := tasks.DialAMQP(cfg.RabbitMQ.DSN)
		if err != nil {
			return err
		}
		defer amqpQueue.Close()

		go func() {
			if err := amqpQueue.Consume(ctx, coordinator); err != nil && ctx.Err() == nil {
				logger.GetLogger().Error("task consumer stopped", "error", err)
				stop()
			}
		}()
		queue = amqpQueue
	} else {
		logger.GetLogger().Warn("RABBIT_MQ__DSN not set, using in-process task queue")
		queue = tasks.NewMemoryQueue(coordinator)
	}
	coordinator.BindQueue(queue)

	srv := server.New(coordinator,
		server.WithAddress(cfg.Server.Address),
		server.WithMetrics(metrics),
		server.WithLogger(logger.GetLogger()),
	)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.GetLogger().Error("shutdown failed", "error", err)
		}
	}()

	return srv.Start(ctx)
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("stratum"),
		kong.Description("Namespaced JSON document store with async search indexing"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse log level: %v\n", err)
		os.Exit(1)
	}

	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
