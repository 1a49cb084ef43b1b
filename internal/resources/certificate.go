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

package resources

import (
	"time"

	"github.com/ignitiond/ignitiond/internal/resource"
)

// CertificateV1 requests a TLS certificate for a DNS name, issued by the
// out-of-scope ACME adapter collaborator and driven through the job
// agent as a long-running job.
type CertificateV1 struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
	DNSName   string `json:"dnsName"`
	Issuer    string `json:"issuer,omitempty"`
}

func (c *CertificateV1) GetName() string      { return c.Name }
func (c *CertificateV1) GetNamespace() string { return c.Namespace }

func (c *CertificateV1) SetMeta(namespace, name string) {
	c.Namespace, c.Name = namespace, name
}

// CertificateState enumerates the ACME-order lifecycle.
type CertificateState string

const (
	CertificatePending CertificateState = "Pending"
	CertificateIssued  CertificateState = "Issued"
	CertificateFailed  CertificateState = "Failed"
)

// CertificateStatus is the controller-owned status record for a
// Certificate: its ACME state, validity window, and serial number.
type CertificateStatus struct {
	State             CertificateState `json:"state,omitempty"`
	NotBefore         time.Time        `json:"notBefore,omitempty"`
	NotAfter          time.Time        `json:"notAfter,omitempty"`
	SerialNumber      string           `json:"serialNumber,omitempty"`
	LastFailureReason string           `json:"lastFailureReason,omitempty"`
}

// CertificateKind is the registered resource.Kind for Certificate.
var CertificateKind = &resource.Kind{
	Name:       "Certificate",
	Namespaced: true,
	Versions: []resource.VersionInfo{
		{
			Name:   "v1",
			Served: true,
			Stored: true,
			Latest: true,
			New:    func() resource.Value { return &CertificateV1{} },
		},
	},
}

func init() {
	resource.Global.Register(CertificateKind)
}
