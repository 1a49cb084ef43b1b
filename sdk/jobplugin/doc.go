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

/*
Package jobplugin provides an SDK for building ignitiond job-backend
plugins: external processes that perform the privileged or long-running
work a job in internal/jobagent delegates out, such as pulling an OCI
image or placing an ACME order.

The SDK is organized into the following packages:

  - server: gRPC server bootstrapping with TLS, a side-channel HTTP health
    listener, keep-alive, and graceful shutdown
  - client: a high-level client with per-call timeouts and typed error
    mapping (it does not retry failed calls)
  - middleware: gRPC interceptors for logging, auth, recovery, and timeouts
  - capabilities: advertising which job kinds a backend can execute
  - errors: typed errors that map onto gRPC status codes

# Basic usage

	import (
	    "github.com/ignitiond/ignitiond/sdk/jobplugin/server"
	    "github.com/ignitiond/ignitiond/sdk/jobplugin/capabilities"
	)

	caps := capabilities.NewBuilder().Profile(capabilities.ProfileCertificates).Build()

	config := server.DefaultConfig()
	srv, err := server.New(config)
	if err != nil {
	    log.Fatal(err)
	}
	srv.RegisterBackend(&acmeBackend{caps: caps})
	if err := srv.Serve(context.Background()); err != nil {
	    log.Fatal(err)
	}

# Wire format

Requests and responses are plain Go structs defined in internal/agentrpc,
carried over gRPC using a custom cbor codec instead of protoc-generated
message types (no protoc toolchain is assumed to be available when
building ignitiond or its backends).
*/
package jobplugin
