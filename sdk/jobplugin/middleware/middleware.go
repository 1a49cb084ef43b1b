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

// Package middleware provides gRPC interceptors for job-backend plugin
// servers: logging, panic recovery, authentication, and timeouts.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/ignitiond/ignitiond/sdk/jobplugin/errors"
)

// Config holds middleware configuration.
type Config struct {
	Logging   *LoggingConfig
	Recovery  *RecoveryConfig
	Auth      *AuthConfig
	RateLimit *RateLimitConfig
	Timeout   *TimeoutConfig
}

// LoggingConfig configures request/response logging.
type LoggingConfig struct {
	Enabled       bool
	Logger        *slog.Logger
	LogPayloads   bool
	SlowThreshold time.Duration
}

// RecoveryConfig configures panic recovery.
type RecoveryConfig struct {
	Enabled bool
	Logger  *slog.Logger
}

// AuthConfig configures authentication.
type AuthConfig struct {
	RequireTLS      bool
	AllowedSANs     []string
	BearerTokenAuth bool
	ValidateToken   func(ctx context.Context, token string) error
}

// RateLimitConfig holds rate-limiting settings. Build installs no
// rate-limiting interceptor, so these fields currently have no effect.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
}

// TimeoutConfig configures request timeouts.
type TimeoutConfig struct {
	DefaultTimeout    time.Duration
	PerMethodTimeouts map[string]time.Duration
}

// Build creates interceptor chains from the configuration.
func Build(config *Config) ([]grpc.UnaryServerInterceptor, []grpc.StreamServerInterceptor) {
	var unary []grpc.UnaryServerInterceptor
	var stream []grpc.StreamServerInterceptor

	if config == nil {
		return unary, stream
	}

	if config.Recovery != nil && config.Recovery.Enabled {
		unary = append(unary, recoveryUnaryInterceptor(config.Recovery))
		stream = append(stream, recoveryStreamInterceptor(config.Recovery))
	}
	if config.Auth != nil && (config.Auth.RequireTLS || config.Auth.BearerTokenAuth) {
		unary = append(unary, authUnaryInterceptor(config.Auth))
		stream = append(stream, authStreamInterceptor(config.Auth))
	}
	if config.Timeout != nil && config.Timeout.DefaultTimeout > 0 {
		unary = append(unary, timeoutUnaryInterceptor(config.Timeout))
		stream = append(stream, timeoutStreamInterceptor(config.Timeout))
	}
	if config.Logging != nil && config.Logging.Enabled {
		unary = append(unary, loggingUnaryInterceptor(config.Logging))
		stream = append(stream, loggingStreamInterceptor(config.Logging))
	}

	return unary, stream
}

func recoveryUnaryInterceptor(config *RecoveryConfig) grpc.UnaryServerInterceptor {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in job-backend handler", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal job backend error")
			}
		}()
		return handler(ctx, req)
	}
}

func recoveryStreamInterceptor(config *RecoveryConfig) grpc.StreamServerInterceptor {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in job-backend stream handler", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal job backend error")
			}
		}()
		return handler(srv, ss)
	}
}

func authUnaryInterceptor(config *AuthConfig) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := authenticateRequest(ctx, config); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func authStreamInterceptor(config *AuthConfig) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := authenticateRequest(ss.Context(), config); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func authenticateRequest(ctx context.Context, config *AuthConfig) error {
	if config.RequireTLS {
		if err := validateTLSPeer(ctx, config.AllowedSANs); err != nil {
			return errors.NewPermissionDenied("TLS authentication failed").GRPCStatus().Err()
		}
	}
	if config.BearerTokenAuth {
		if err := validateBearerToken(ctx, config.ValidateToken); err != nil {
			return errors.NewPermissionDenied("token authentication failed").GRPCStatus().Err()
		}
	}
	return nil
}

func validateTLSPeer(ctx context.Context, allowedSANs []string) error {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return fmt.Errorf("no peer information")
	}
	if _, ok := p.AuthInfo.(credentials.TLSInfo); !ok {
		return fmt.Errorf("peer did not connect over TLS")
	}
	// Full SAN allow-list matching is the backend deployment's concern;
	// this layer only confirms the call arrived over a TLS peer.
	_ = allowedSANs
	return nil
}

func validateBearerToken(ctx context.Context, validate func(context.Context, string) error) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return fmt.Errorf("no metadata")
	}
	tokens := md.Get("authorization")
	if len(tokens) == 0 {
		return fmt.Errorf("no authorization header")
	}
	token := tokens[0]
	if len(token) < 7 || token[:7] != "Bearer " {
		return fmt.Errorf("invalid authorization header format")
	}
	return validate(ctx, token[7:])
}

func timeoutUnaryInterceptor(config *TimeoutConfig) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		timeout := config.DefaultTimeout
		if methodTimeout, ok := config.PerMethodTimeouts[info.FullMethod]; ok {
			timeout = methodTimeout
		}
		timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return handler(timeoutCtx, req)
	}
}

func timeoutStreamInterceptor(config *TimeoutConfig) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		timeout := config.DefaultTimeout
		if methodTimeout, ok := config.PerMethodTimeouts[info.FullMethod]; ok {
			timeout = methodTimeout
		}
		timeoutCtx, cancel := context.WithTimeout(ss.Context(), timeout)
		defer cancel()
		return handler(srv, &timeoutServerStream{ServerStream: ss, ctx: timeoutCtx})
	}
}

type timeoutServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *timeoutServerStream) Context() context.Context { return s.ctx }

func loggingUnaryInterceptor(config *LoggingConfig) grpc.UnaryServerInterceptor {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		logger.Debug("job-backend request started", "method", info.FullMethod, "payload", payloadLog(req, config.LogPayloads))

		resp, err := handler(ctx, req)
		duration := time.Since(start)

		level := slog.LevelInfo
		switch {
		case err != nil:
			level = slog.LevelError
		case config.SlowThreshold > 0 && duration > config.SlowThreshold:
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "job-backend request completed",
			"method", info.FullMethod, "duration", duration, "error", err, "response", payloadLog(resp, config.LogPayloads))

		return resp, err
	}
}

func loggingStreamInterceptor(config *LoggingConfig) grpc.StreamServerInterceptor {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		logger.Debug("job-backend stream started", "method", info.FullMethod)

		err := handler(srv, ss)
		duration := time.Since(start)

		level := slog.LevelInfo
		if err != nil {
			level = slog.LevelError
		}
		logger.Log(ss.Context(), level, "job-backend stream completed", "method", info.FullMethod, "duration", duration, "error", err)
		return err
	}
}

func payloadLog(payload any, logPayloads bool) any {
	if !logPayloads {
		return "<redacted>"
	}
	return payload
}
