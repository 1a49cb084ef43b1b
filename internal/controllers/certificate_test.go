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
	"errors"
	"testing"
	"time"

	"github.com/ignitiond/ignitiond/internal/jobagent"
	"github.com/ignitiond/ignitiond/internal/resources"
	"github.com/ignitiond/ignitiond/internal/scheduler"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestCertificateControllerIssuesSuccessfully(t *testing.T) {
	s := newTestStore(t)
	certs := newCertificateRepo(s)
	cfg := newTestConfig(t)

	jobs := jobagent.New(noopDispatcher{})
	issued := make(chan struct{})
	issue := func(_ context.Context, dnsName, _ string) (string, time.Time, time.Time, error) {
		close(issued)
		return "abc123", time.Now(), time.Now().AddDate(0, 3, 0), nil
	}
	c := NewCertificateController(testLogger(), cfg, certs, jobs, issue)

	cert := &resources.CertificateV1{Name: "site", Namespace: "default", DNSName: "example.test", Issuer: "letsencrypt"}
	if err := certs.Set(testTenant, cert); err != nil {
		t.Fatalf("Set: %v", err)
	}

	key := resourceKey(testTenant, "Certificate", "default", "site")
	if _, err := c.Reconcile(context.Background(), key); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	select {
	case <-issued:
	case <-time.After(time.Second):
		t.Fatal("issue func was never called")
	}

	waitFor(t, time.Second, func() bool {
		var status resources.CertificateStatus
		_, ok, err := certs.GetStatus(testTenant, "default", "site", &status)
		return err == nil && ok && status.State == resources.CertificateIssued
	})

	var status resources.CertificateStatus
	if _, _, err := certs.GetStatus(testTenant, "default", "site", &status); err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.SerialNumber != "abc123" {
		t.Fatalf("SerialNumber = %q, want %q", status.SerialNumber, "abc123")
	}
}

func TestCertificateControllerRecordsIssuerFailure(t *testing.T) {
	s := newTestStore(t)
	certs := newCertificateRepo(s)
	cfg := newTestConfig(t)

	jobs := jobagent.New(noopDispatcher{})
	issue := func(_ context.Context, _, _ string) (string, time.Time, time.Time, error) {
		return "", time.Time{}, time.Time{}, errors.New("acme: order failed")
	}
	c := NewCertificateController(testLogger(), cfg, certs, jobs, issue)

	cert := &resources.CertificateV1{Name: "broken", Namespace: "default", DNSName: "broken.test", Issuer: "letsencrypt"}
	if err := certs.Set(testTenant, cert); err != nil {
		t.Fatalf("Set: %v", err)
	}

	key := resourceKey(testTenant, "Certificate", "default", "broken")
	if _, err := c.Reconcile(context.Background(), key); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		var status resources.CertificateStatus
		_, ok, err := certs.GetStatus(testTenant, "default", "broken", &status)
		return err == nil && ok && status.State == resources.CertificateFailed
	})
}

// noopDispatcher discards scheduler.Event completion wakeups; these
// tests poll the status row directly rather than driving a real
// Scheduler.
type noopDispatcher struct{}

func (noopDispatcher) Dispatch(_ context.Context, _ scheduler.Event) {}
