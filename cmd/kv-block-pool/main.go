/*
Copyright 2025 The llm-d Authors.

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
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-pool/pkg/kvcache"
	"github.com/llm-d/llm-d-kv-block-pool/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-pool/pkg/kvcache/kvevents"
)

const (
	pythonHashSeed      = "PYTHONHASHSEED"
	blockSizeEnvVar     = "BLOCK_SIZE"
	hashAlgorithmEnvVar = "HASH_ALGORITHM"

	envPoolCapacity     = "POOL_CAPACITY"
	envBlockBytes       = "BLOCK_BYTES"
	defaultPoolCapacity = "1GiB"

	envZMQEndpoint   = "ZMQ_ENDPOINT"
	envPodIdentifier = "POD_IDENTIFIER"
	envModelName     = "MODEL_NAME"

	envEnableMetrics          = "ENABLE_METRICS"
	envMetricsLoggingInterval = "METRICS_LOGGING_INTERVAL"

	envHTTPPort     = "HTTP_PORT"
	defaultHTTPPort = "8080"

	shutdownTimeout = 30 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := klog.FromContext(ctx)

	if err := run(ctx); err != nil {
		logger.Error(err, "Failed to run KV block pool service")
		cancel()
		os.Exit(1) //nolint:gocritic // cancel is called above
	}
}

func run(ctx context.Context) error {
	logger := klog.FromContext(ctx)

	config, err := getManagerConfig()
	if err != nil {
		return err
	}

	manager, err := kvcache.NewManager(config)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	logger.Info("Created manager")

	if err := manager.Run(ctx); err != nil {
		return fmt.Errorf("failed to run manager: %w", err)
	}
	logger.Info("Started manager", "stats", manager.Stats())

	server := &http.Server{
		Addr:              ":" + getEnvOrDefault(envHTTPPort, defaultHTTPPort),
		Handler:           newHandler(ctx, manager),
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       1 * time.Minute,
		WriteTimeout:      1 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server running", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down KV block pool service...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("manager shutdown error: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getManagerConfig() (*kvcache.Config, error) {
	config := kvcache.NewDefaultConfig()

	hashSeed := os.Getenv(pythonHashSeed)
	if hashSeed != "" {
		config.TokenProcessorConfig.HashSeed = hashSeed
	}

	blockSize, err := strconv.Atoi(os.Getenv(blockSizeEnvVar))
	if err == nil && blockSize > 0 {
		config.TokenProcessorConfig.BlockSize = blockSize
	}

	if algorithm := os.Getenv(hashAlgorithmEnvVar); algorithm != "" {
		config.TokenProcessorConfig.HashAlgorithm = kvblock.HashAlgorithm(algorithm)
	}

	config.Capacity = getEnvOrDefault(envPoolCapacity, defaultPoolCapacity)
	if blockBytes, err := strconv.ParseUint(os.Getenv(envBlockBytes), 10, 64); err == nil && blockBytes > 0 {
		config.BlockBytes = blockBytes
	}

	if enable, err := strconv.ParseBool(os.Getenv(envEnableMetrics)); err == nil {
		config.BlockPoolConfig.EnableMetrics = enable
	}
	if interval := os.Getenv(envMetricsLoggingInterval); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", envMetricsLoggingInterval, interval, err)
		}
		config.BlockPoolConfig.MetricsLoggingInterval = d
	}

	if zmqEndpoint := os.Getenv(envZMQEndpoint); zmqEndpoint != "" {
		eventsConfig := kvevents.DefaultConfig()
		eventsConfig.ZMQEndpoint = zmqEndpoint
		eventsConfig.PodIdentifier = getEnvOrDefault(envPodIdentifier, eventsConfig.PodIdentifier)
		eventsConfig.ModelName = getEnvOrDefault(envModelName, eventsConfig.ModelName)
		config.KVEventsConfig = eventsConfig
	}

	return config, nil
}
