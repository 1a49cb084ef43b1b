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

package controllers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/ignitiond/ignitiond/internal/config"
	"github.com/ignitiond/ignitiond/internal/jobagent"
	"github.com/ignitiond/ignitiond/internal/reconerr"
	"github.com/ignitiond/ignitiond/internal/repository"
	"github.com/ignitiond/ignitiond/internal/resilience"
	"github.com/ignitiond/ignitiond/internal/resources"
	"github.com/ignitiond/ignitiond/internal/scheduler"
)

// IssueFunc requests a certificate from the out-of-scope ACME adapter
// collaborator (resources.CertificateV1's doc comment) and returns its
// issued material. No network-backed implementation is wired in:
// cmd/ignitiond passes nil, so the controller falls back to stubIssue,
// which makes no network call.
type IssueFunc func(ctx context.Context, dnsName, issuer string) (serialNumber string, notBefore, notAfter time.Time, err error)

// CertificateController drives the ACME-order lifecycle through
// internal/jobagent: issuance is a long-running
// background job keyed by the certificate's own resource key, guarded
// by a circuit breaker so a flapping ACME endpoint cannot be hammered
// once it starts failing. The job itself persists the outcome directly
// to the status row -- the scheduler.Event jobagent dispatches on
// completion exists only to wake a fresh Reconcile pass that finds the
// status already updated, not to carry the result payload.
type CertificateController struct {
	log logr.Logger

	certs *repository.Repository
	jobs  *jobagent.Agent
	issue IssueFunc
	cb    *resilience.Breaker
	cfg   *config.Config
}

func NewCertificateController(log logr.Logger, cfg *config.Config, certs *repository.Repository, jobs *jobagent.Agent, issue IssueFunc) *CertificateController {
	if issue == nil {
		issue = stubIssue
	}
	return &CertificateController{
		log:   log.WithName("certificate-controller"),
		certs: certs,
		jobs:  jobs,
		issue: issue,
		cb:    resilience.NewBreaker("acme-adapter", resilience.BreakerConfig{}),
		cfg:   cfg,
	}
}

func (c *CertificateController) Name() string { return "certificate" }

func (c *CertificateController) Schedule(_ context.Context, ev scheduler.Event) (string, bool) {
	return scheduleIfKind("Certificate", ev)
}

func (c *CertificateController) ShouldReconcile(_ context.Context, key string) bool {
	tenant, _, namespace, name, ok := splitKey(key)
	if !ok {
		return false
	}
	_, exists, err := c.certs.Get(tenant, namespace, name)
	return err == nil && exists
}

func (c *CertificateController) Reconcile(ctx context.Context, key string) (scheduler.ReconcileNext, error) {
	tenant, _, namespace, name, ok := splitKey(key)
	if !ok {
		return scheduler.Done(), nil
	}

	v, exists, err := c.certs.Get(tenant, namespace, name)
	if err != nil {
		return scheduler.ReconcileNext{}, fmt.Errorf("certificate controller: get %s: %w", key, err)
	}
	if !exists {
		c.jobs.CancelNotify(key, key)
		return scheduler.Done(), nil
	}
	cert := v.(*resources.CertificateV1)

	// Drain any stashed completion event; its payload is ignored, the
	// status row written by the job itself is authoritative.
	c.jobs.ConsumeResult(key, key)

	var status resources.CertificateStatus
	_, hasStatus, err := c.certs.GetStatus(tenant, namespace, name, &status)
	if err != nil {
		return scheduler.ReconcileNext{}, fmt.Errorf("certificate controller: get status %s: %w", key, err)
	}

	if hasStatus && status.State == resources.CertificateIssued {
		return scheduler.Done(), nil
	}

	if c.jobs.IsRunning(key) {
		return scheduler.Done(), nil
	}

	if !hasStatus || status.State == "" {
		status.State = resources.CertificatePending
		status.LastFailureReason = ""
		if err := c.certs.SetStatus(tenant, namespace, name, &status); err != nil {
			return scheduler.ReconcileNext{}, fmt.Errorf("certificate controller: set status %s: %w", key, err)
		}
	}

	if status.State == resources.CertificateFailed {
		return scheduler.Done(), nil
	}

	c.jobs.RunWithNotify(ctx, key, key, func(jobCtx context.Context) (any, error) {
		return nil, c.issueAndPersist(jobCtx, tenant, namespace, name, cert)
	}, certificateNotifier)

	return scheduler.Done(), nil
}

// issueAndPersist runs in the job's own goroutine. It calls the ACME
// adapter through the circuit breaker and writes the resulting state
// straight to the Certificate's status row.
func (c *CertificateController) issueAndPersist(ctx context.Context, tenant, namespace, name string, cert *resources.CertificateV1) error {
	var status resources.CertificateStatus
	var serial string
	var notBefore, notAfter time.Time
	err := c.cb.Call(ctx, func(callCtx context.Context) error {
		var cerr error
		serial, notBefore, notAfter, cerr = c.issue(callCtx, cert.DNSName, cert.Issuer)
		return cerr
	})
	if err != nil {
		status.State = resources.CertificateFailed
		status.LastFailureReason = err.Error()
		_ = c.certs.SetStatus(tenant, namespace, name, &status)
		return err
	}
	status.State = resources.CertificateIssued
	status.SerialNumber = serial
	status.NotBefore = notBefore
	status.NotAfter = notAfter
	status.LastFailureReason = ""
	return c.certs.SetStatus(tenant, namespace, name, &status)
}

func certificateNotifier(_ jobagent.Result, watchKey string) scheduler.Event {
	tenant, _, namespace, name, _ := splitKey(watchKey)
	return scheduler.Event{Kind: "Certificate", Tenant: tenant, Namespace: namespace, Name: name, Reason: "issuance-complete"}
}

func (c *CertificateController) HandleError(_ context.Context, _ string, err error) scheduler.ReconcileNext {
	outcome := reconerr.Classify(err, 0, c.cfg.Retry)
	if outcome.Done {
		return scheduler.Done()
	}
	return scheduler.After(outcome.After)
}

func stubIssue(_ context.Context, _, _ string) (string, time.Time, time.Time, error) {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	now := time.Now()
	return hex.EncodeToString(buf), now, now.AddDate(0, 3, 0), nil
}
