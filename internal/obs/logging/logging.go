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

package logging

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ignitiond/ignitiond/internal/config"
)

// ContextKey is the type for logging correlation context keys.
type ContextKey string

const (
	// TenantKey is the context key for the tenant.
	TenantKey ContextKey = "tenant"
	// ResourceKeyKey is the context key for the fully-qualified resource key.
	ResourceKeyKey ContextKey = "resourceKey"
	// MachineIDKey is the context key for a microVM instance id.
	MachineIDKey ContextKey = "machineID"
	// JobKeyKey is the context key for a background job key.
	JobKeyKey ContextKey = "jobKey"
	// TraceIDKey is the context key for the trace id.
	TraceIDKey ContextKey = "traceID"
)

var (
	globalMu     sync.RWMutex
	globalLogger logr.Logger = logr.Discard()
)

// Setup builds a zap-backed logr.Logger from the given config and installs
// it as the process-wide global logger.
func Setup(cfg config.LogConfig) error {
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}

	if cfg.Format == "console" {
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapCfg.Encoding = "json"
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zapCfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	}

	level := zap.InfoLevel
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zap.DebugLevel
	case "warn", "warning":
		level = zap.WarnLevel
	case "error":
		level = zap.ErrorLevel
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	if cfg.Sampling {
		zapCfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}

	zapLogger, err := zapCfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	SetGlobal(zapr.NewLogger(zapLogger))
	return nil
}

// SetGlobal installs l as the process-wide logger.
func SetGlobal(l logr.Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the process-wide logger.
func Global() logr.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// FromContext returns the global logger enriched with correlation fields
// carried on ctx.
func FromContext(ctx context.Context) logr.Logger {
	return enrich(ctx, Global())
}

// WithTenant adds the tenant to ctx.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, TenantKey, tenant)
}

// WithResourceKey adds a resource key to ctx.
func WithResourceKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ResourceKeyKey, key)
}

// WithMachineID adds a machine id to ctx.
func WithMachineID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, MachineIDKey, id)
}

// WithJobKey adds a job key to ctx.
func WithJobKey(ctx context.Context, jobKey string) context.Context {
	return context.WithValue(ctx, JobKeyKey, jobKey)
}

func enrich(ctx context.Context, logger logr.Logger) logr.Logger {
	fields := make([]interface{}, 0, 8)

	if v := ctx.Value(TenantKey); v != nil {
		fields = append(fields, "tenant", v)
	}
	if v := ctx.Value(ResourceKeyKey); v != nil {
		fields = append(fields, "resourceKey", v)
	}
	if v := ctx.Value(MachineIDKey); v != nil {
		fields = append(fields, "machineID", v)
	}
	if v := ctx.Value(JobKeyKey); v != nil {
		fields = append(fields, "jobKey", v)
	}
	if v := ctx.Value(TraceIDKey); v != nil {
		fields = append(fields, "traceID", v)
	}

	if len(fields) == 0 {
		return logger
	}
	return logger.WithValues(fields...)
}

// Redactor strips sensitive substrings (secrets, tokens, ssh keys) from
// strings before they reach a log sink.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor builds a Redactor with the common sensitive-data patterns.
func NewRedactor() *Redactor {
	return &Redactor{patterns: []*regexp.Regexp{
		regexp.MustCompile(`://[^:]*:([^@]*?)@`),
		regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd|pwd)\s*[:=]\s*["']?([^"'\s]+)["']?`),
		regexp.MustCompile(`ssh-[a-z0-9]+ [A-Za-z0-9+/=]+ `),
	}}
}

// Redact removes sensitive substrings from input.
func (r *Redactor) Redact(input string) string {
	result := input
	for _, p := range r.patterns {
		if p.NumSubexp() > 0 {
			result = p.ReplaceAllStringFunc(result, func(match string) string {
				sub := p.FindStringSubmatch(match)
				if len(sub) > 1 {
					secret := sub[len(sub)-1]
					if i := strings.LastIndex(match, secret); secret != "" && i >= 0 {
						return match[:i] + "[REDACTED]" + match[i+len(secret):]
					}
				}
				return match
			})
		} else {
			result = p.ReplaceAllString(result, "[REDACTED]")
		}
	}
	return result
}

var globalRedactor = NewRedactor()

// RedactString redacts sensitive data from a string using the package-wide
// redactor.
func RedactString(input string) string {
	return globalRedactor.Redact(input)
}
