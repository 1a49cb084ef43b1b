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

// Package server provides gRPC server bootstrapping for job-backend
// plugins: external processes that perform image pulls, ACME orders, and
// other long-running work on ignitiond's behalf. It follows the standard
// gRPC bootstrap shape (TLS, a health server on a side HTTP port,
// keep-alive, graceful shutdown on SIGINT/SIGTERM) and registers
// internal/agentrpc.ServiceDesc.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/ignitiond/ignitiond/internal/agentrpc"
	"github.com/ignitiond/ignitiond/internal/obs/health"
	"github.com/ignitiond/ignitiond/sdk/jobplugin/middleware"
)

// TLSConfig holds server-side TLS configuration.
type TLSConfig struct {
	CertFile   string
	KeyFile    string
	ClientCAs  string
	RequireMTLS bool
}

// KeepAliveConfig mirrors grpc/keepalive.ServerParameters.
type KeepAliveConfig struct {
	MaxConnectionIdle time.Duration
	Time              time.Duration
	Timeout           time.Duration
}

// Config configures a job-backend gRPC server.
type Config struct {
	// Port the gRPC server listens on.
	Port int

	// HealthPort serves liveness/readiness over plain HTTP; 0 disables it.
	HealthPort int

	// TLS configuration; nil runs the server without transport security
	// (acceptable for a backend reachable only over a loopback socket).
	TLS *TLSConfig

	Logger     *slog.Logger
	Middleware *middleware.Config
	KeepAlive  *KeepAliveConfig

	// GracefulTimeout bounds how long Shutdown waits for in-flight RPCs.
	GracefulTimeout time.Duration

	// ServiceName identifies this backend in logs ("image-pull-backend").
	ServiceName string
}

// DefaultConfig returns sane defaults for a job-backend plugin.
func DefaultConfig() *Config {
	return &Config{
		Port:            9444,
		HealthPort:      9445,
		GracefulTimeout: 10 * time.Second,
		KeepAlive: &KeepAliveConfig{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              30 * time.Second,
			Timeout:           5 * time.Second,
		},
		ServiceName: "job-backend",
	}
}

// Server hosts a single agentrpc.JobBackendServer implementation.
type Server struct {
	config        *Config
	grpcServer    *grpc.Server
	healthServer  *grpchealth.Server
	healthChecker *health.Checker
	httpServer    *http.Server
	logger        *slog.Logger

	mu      sync.Mutex
	running bool
}

// New builds a Server ready to have a backend registered on it.
func New(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var opts []grpc.ServerOption
	if config.TLS != nil {
		creds, err := buildServerTLS(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("build TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	if config.KeepAlive != nil {
		opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: config.KeepAlive.MaxConnectionIdle,
			Time:              config.KeepAlive.Time,
			Timeout:           config.KeepAlive.Timeout,
		}))
	}
	if config.Middleware != nil {
		unary, stream := middleware.Build(config.Middleware)
		if len(unary) > 0 {
			opts = append(opts, grpc.ChainUnaryInterceptor(unary...))
		}
		if len(stream) > 0 {
			opts = append(opts, grpc.ChainStreamInterceptor(stream...))
		}
	}

	grpcServer := grpc.NewServer(opts...)
	healthSrv := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	return &Server{
		config:        config,
		grpcServer:    grpcServer,
		healthServer:  healthSrv,
		healthChecker: health.NewChecker(),
		logger:        logger,
	}, nil
}

// RegisterBackend wires a JobBackendServer implementation into the gRPC
// service registry using internal/agentrpc's hand-built ServiceDesc.
func (s *Server) RegisterBackend(impl agentrpc.JobBackendServer) {
	s.grpcServer.RegisterService(&agentrpc.ServiceDesc, impl)
	s.healthServer.SetServingStatus(agentrpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// HealthChecker exposes the side-channel HTTP health checker so callers
// can register readiness probes ("can reach the ACME directory", ...).
func (s *Server) HealthChecker() *health.Checker {
	return s.healthChecker
}

// Serve starts the gRPC server and, if configured, the HTTP health
// listener, and blocks until ctx is canceled or SIGINT/SIGTERM arrives.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.config.Port, err)
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	if s.config.HealthPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/healthz", s.healthChecker.LivenessHandler())
		mux.Handle("/readyz", s.healthChecker.ReadinessHandler())
		s.httpServer = &http.Server{Addr: fmt.Sprintf(":%d", s.config.HealthPort), Handler: mux}
		go func() {
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("health listener failed", "error", err)
			}
		}()
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("job-backend server listening", "service", s.config.ServiceName, "port", s.config.Port)
		errCh <- s.grpcServer.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
		s.Shutdown()
		return nil
	}
}

// Shutdown gracefully stops the gRPC and HTTP listeners.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.config.GracefulTimeout):
		s.grpcServer.Stop()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.GracefulTimeout)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}
}

func buildServerTLS(cfg *TLSConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
	if cfg.RequireMTLS {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return credentials.NewTLS(tlsConfig), nil
}
