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

// ignitionctl is the thin HTTP client for ignitiond: get, apply, and
// delete resources against the daemon's API. Exit codes: 0 success,
// 1 generic failure, 2 not found, 3 validation rejected, 4 unauthorized.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ignitiond/ignitiond/internal/version"
)

const (
	exitFailure      = 1
	exitNotFound     = 2
	exitValidation   = 3
	exitUnauthorized = 4
)

// exitError carries the process exit code for a failed request.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

var (
	server    string
	namespace string
	output    string
	timeout   time.Duration
)

// kindPaths maps the kind argument (singular or plural) to the API
// path segment.
var kindPaths = map[string]string{
	"machine": "machines", "machines": "machines",
	"volume": "volumes", "volumes": "volumes",
	"service": "services", "services": "services",
	"certificate": "certificates", "certificates": "certificates",
	"app": "apps", "apps": "apps",
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "ignitionctl",
		Short:         "CLI for the ignitiond microVM orchestrator",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&server, "server", "http://127.0.0.1:7777", "ignitiond API address")
	rootCmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "default", "Resource namespace")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "json", "Output format (json)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "get <kind> [name]",
			Short: "Get one resource or list a kind",
			Args:  cobra.RangeArgs(1, 2),
			RunE:  runGet,
		},
		&cobra.Command{
			Use:   "apply <kind> <name> [file]",
			Short: "Upsert a resource from a JSON file (or stdin)",
			Args:  cobra.RangeArgs(2, 3),
			RunE:  runApply,
		},
		&cobra.Command{
			Use:   "delete <kind> <name>",
			Short: "Delete a resource",
			Args:  cobra.ExactArgs(2),
			RunE:  runDelete,
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitFailure)
	}
}

func pathFor(kind string) (string, error) {
	p, ok := kindPaths[strings.ToLower(kind)]
	if !ok {
		return "", &exitError{code: exitValidation, msg: fmt.Sprintf("unknown kind %q", kind)}
	}
	return p, nil
}

func doRequest(method, url string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	msg := strings.TrimSpace(string(data))
	var eb struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
		msg = eb.Error
	}

	code := exitFailure
	switch resp.StatusCode {
	case http.StatusNotFound:
		code = exitNotFound
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		code = exitValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		code = exitUnauthorized
	}
	return nil, &exitError{code: code, msg: msg}
}

func printJSON(data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = os.Stdout.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(os.Stdout)
	return err
}

func runGet(_ *cobra.Command, args []string) error {
	path, err := pathFor(args[0])
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s?namespace=%s", server, path, namespace)
	if len(args) == 2 {
		url = fmt.Sprintf("%s/%s/%s/%s", server, path, namespace, args[1])
	}

	data, err := doRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func runApply(_ *cobra.Command, args []string) error {
	path, err := pathFor(args[0])
	if err != nil {
		return err
	}

	var body []byte
	if len(args) == 3 {
		body, err = os.ReadFile(args[2])
	} else {
		body, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s/%s/%s", server, path, namespace, args[1])
	data, err := doRequest(http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	return printJSON(data)
}

func runDelete(_ *cobra.Command, args []string) error {
	path, err := pathFor(args[0])
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s/%s/%s", server, path, namespace, args[1])
	if _, err := doRequest(http.MethodDelete, url, nil); err != nil {
		return err
	}
	fmt.Printf("%s %q deleted\n", strings.TrimSuffix(path, "s"), args[1])
	return nil
}
