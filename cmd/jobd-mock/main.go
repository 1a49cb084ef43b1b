/*
Copyright 2025.

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

// jobd-mock is an in-memory job backend for development and contract
// testing: it advertises every capability profile and completes every
// job immediately without touching the host.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ignitiond/ignitiond/internal/agentrpc"
	"github.com/ignitiond/ignitiond/internal/version"
	"github.com/ignitiond/ignitiond/sdk/jobplugin/capabilities"
	"github.com/ignitiond/ignitiond/sdk/jobplugin/errors"
	"github.com/ignitiond/ignitiond/sdk/jobplugin/middleware"
	"github.com/ignitiond/ignitiond/sdk/jobplugin/server"
)

// mockBackend completes every known job kind instantly.
type mockBackend struct {
	caps *capabilities.Manager
}

func newMockBackend() *mockBackend {
	caps := capabilities.NewManager().
		Add(capabilities.CapabilityImagePull).
		Add(capabilities.CapabilityACMEIssue).
		Add(capabilities.CapabilityDNSChallenge).
		Add(capabilities.CapabilityVolumeFormat).
		SetVersion(version.Version)
	return &mockBackend{caps: caps}
}

func (b *mockBackend) Execute(_ context.Context, req *agentrpc.JobRequest) (*agentrpc.JobResult, error) {
	if !b.caps.Has(capabilities.Capability(req.Kind)) {
		return nil, errors.NewInvalidRequest("unsupported job kind %q", req.Kind)
	}
	return &agentrpc.JobResult{
		JobKey:  req.JobKey,
		Done:    true,
		Outputs: map[string]string{"mock": "true", "kind": req.Kind},
	}, nil
}

func (b *mockBackend) GetCapabilities(context.Context, *agentrpc.CapabilitiesRequest) (*agentrpc.CapabilitiesResponse, error) {
	return b.caps.Response(), nil
}

func (b *mockBackend) Health(context.Context, *agentrpc.HealthRequest) (*agentrpc.HealthResponse, error) {
	return &agentrpc.HealthResponse{Healthy: true, Detail: "mock"}, nil
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("jobd-mock %s\n", version.String())
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: getLogLevel(),
	}))

	config := server.DefaultConfig()
	config.ServiceName = "jobd-mock"
	config.Logger = logger
	config.Middleware = &middleware.Config{
		Logging: &middleware.LoggingConfig{
			Enabled: true,
			Logger:  logger,
		},
		Recovery: &middleware.RecoveryConfig{
			Enabled: true,
			Logger:  logger,
		},
	}

	srv, err := server.New(config)
	if err != nil {
		logger.Error("Failed to create server", "error", err)
		os.Exit(1)
	}
	srv.RegisterBackend(newMockBackend())

	logger.Info("Starting mock job backend", "version", version.String(), "port", config.Port)
	if err := srv.Serve(context.Background()); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// getLogLevel returns the log level from environment variable.
func getLogLevel() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
