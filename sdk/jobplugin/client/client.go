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

// Package client provides a high-level gRPC client for job-backend
// plugins, dialed by ignitiond when a job kind is delegated to an
// external process rather than run in-process by internal/jobagent.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/ignitiond/ignitiond/internal/agentrpc"
	"github.com/ignitiond/ignitiond/sdk/jobplugin/errors"
)

// TLSConfig holds client-side TLS configuration.
type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CertFile           string
	KeyFile            string
}

// TimeoutConfig holds per-call timeout configuration.
type TimeoutConfig struct {
	DialTimeout       time.Duration
	CallTimeout       time.Duration
	PerMethodTimeouts map[string]time.Duration
}

// KeepAliveConfig mirrors grpc/keepalive.ClientParameters.
type KeepAliveConfig struct {
	Time                time.Duration
	Timeout             time.Duration
	PermitWithoutStream bool
}

// Config configures a Client.
type Config struct {
	Address   string
	TLS       *TLSConfig
	Timeout   *TimeoutConfig
	KeepAlive *KeepAliveConfig
}

// DefaultConfig returns sensible defaults for dialing a job backend at
// address (host:port).
func DefaultConfig(address string) *Config {
	return &Config{
		Address: address,
		TLS:     &TLSConfig{Enabled: false},
		Timeout: &TimeoutConfig{
			DialTimeout: 10 * time.Second,
			CallTimeout: 30 * time.Second,
		},
		KeepAlive: &KeepAliveConfig{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		},
	}
}

// Client is a high-level job-backend client.
type Client struct {
	config *Config
	conn   *grpc.ClientConn
	stub   agentrpc.JobBackendClient
}

// New dials a job backend and returns a ready-to-use Client.
func New(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.Address == "" {
		return nil, fmt.Errorf("address is required")
	}

	opts := []grpc.DialOption{grpc.WithDefaultCallOptions(grpc.CallContentSubtype(agentrpc.CodecName))}

	if config.TLS != nil && config.TLS.Enabled {
		creds, err := buildClientTLS(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("build TLS credentials: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if config.KeepAlive != nil {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepAlive.Time,
			Timeout:             config.KeepAlive.Timeout,
			PermitWithoutStream: config.KeepAlive.PermitWithoutStream,
		}))
	}

	ctx := context.Background()
	if config.Timeout != nil && config.Timeout.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout.DialTimeout)
		defer cancel()
	}
	opts = append(opts, grpc.WithBlock())

	conn, err := grpc.DialContext(ctx, config.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial job backend at %s: %w", config.Address, err)
	}

	return &Client{
		config: config,
		conn:   conn,
		stub:   agentrpc.NewJobBackendClient(conn),
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Execute runs a JobRequest against the backend and maps any error into
// sdk/jobplugin/errors's taxonomy.
func (c *Client) Execute(ctx context.Context, req *agentrpc.JobRequest) (*agentrpc.JobResult, error) {
	ctx = c.withTimeout(ctx, "/"+agentrpc.ServiceName+"/Execute")
	resp, err := c.stub.Execute(ctx, req)
	if err != nil {
		return nil, errors.FromGRPCError(err)
	}
	return resp, nil
}

// GetCapabilities asks the backend which job kinds it supports.
func (c *Client) GetCapabilities(ctx context.Context) (*agentrpc.CapabilitiesResponse, error) {
	ctx = c.withTimeout(ctx, "/"+agentrpc.ServiceName+"/GetCapabilities")
	resp, err := c.stub.GetCapabilities(ctx, &agentrpc.CapabilitiesRequest{})
	if err != nil {
		return nil, errors.FromGRPCError(err)
	}
	return resp, nil
}

// Health probes backend liveness.
func (c *Client) Health(ctx context.Context) (*agentrpc.HealthResponse, error) {
	ctx = c.withTimeout(ctx, "/"+agentrpc.ServiceName+"/Health")
	resp, err := c.stub.Health(ctx, &agentrpc.HealthRequest{})
	if err != nil {
		return nil, errors.FromGRPCError(err)
	}
	return resp, nil
}

func (c *Client) withTimeout(ctx context.Context, method string) context.Context {
	if c.config.Timeout == nil {
		return ctx
	}
	if timeout, ok := c.config.Timeout.PerMethodTimeouts[method]; ok {
		ctx, _ = context.WithTimeout(ctx, timeout)
		return ctx
	}
	if c.config.Timeout.CallTimeout > 0 {
		ctx, _ = context.WithTimeout(ctx, c.config.Timeout.CallTimeout)
		return ctx
	}
	return ctx
}

func buildClientTLS(cfg *TLSConfig) (credentials.TransportCredentials, error) {
	tlsConfig := &tls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(tlsConfig), nil
}
