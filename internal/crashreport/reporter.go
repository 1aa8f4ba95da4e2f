// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package crashreport sends opt-in reports of panics and engine invariant
// violations. A report carries the error text, the stack and build facts;
// never method bodies or class names from the input.
//
// Sinks are Sentry (DEOBF_SENTRY_DSN) and a JSON endpoint
// (DEOBF_CRASH_ENDPOINT). With neither configured the reporter is inert.
package crashreport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/hashicorp/go-multierror"
)

const (
	sendTimeout = 5 * time.Second

	envOptIn     = "DEOBF_CRASH_REPORTING"
	envEndpoint  = "DEOBF_CRASH_ENDPOINT"
	envSentryDSN = "DEOBF_SENTRY_DSN"
)

// Report is the payload posted to the JSON endpoint.
type Report struct {
	Version   string `json:"version"`
	CommitSHA string `json:"commit_sha,omitempty"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	GoVersion string `json:"go_version"`
	Time      string `json:"time"`
	Message   string `json:"message"`
	Stack     string `json:"stack,omitempty"`
	Command   string `json:"command,omitempty"`
}

// Config selects the sinks. Environment variables override each field.
type Config struct {
	Enabled   bool
	SentryDSN string
	Endpoint  string
	Version   string
	CommitSHA string
}

// Reporter dispatches reports to every configured sink.
type Reporter struct {
	cfg    Config
	client *http.Client
	sentry bool
}

// New resolves cfg against the environment and initialises Sentry when a
// DSN is present.
func New(cfg Config) *Reporter {
	if dsn := os.Getenv(envSentryDSN); dsn != "" {
		cfg.SentryDSN = dsn
	}
	if ep := os.Getenv(envEndpoint); ep != "" {
		cfg.Endpoint = ep
	}

	r := &Reporter{cfg: cfg, client: &http.Client{Timeout: sendTimeout}}
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     cfg.SentryDSN,
			Release: "deobf@" + cfg.Version,
		})
		r.sentry = err == nil
	}
	return r
}

// IsEnabled reports whether reports will be sent. DEOBF_CRASH_REPORTING
// wins over the configured value.
func (r *Reporter) IsEnabled() bool {
	switch os.Getenv(envOptIn) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return r.cfg.Enabled
}

// Send reports err to every sink. Sink failures are aggregated; on a crash
// path the caller should treat them as informational.
func (r *Reporter) Send(ctx context.Context, err error, stack []byte, command string) error {
	if !r.IsEnabled() {
		return nil
	}
	report := r.build(err, stack, command)

	var errs *multierror.Error
	if r.sentry {
		r.toSentry(report)
	}
	if r.cfg.Endpoint != "" {
		if sendErr := r.toEndpoint(ctx, report); sendErr != nil {
			errs = multierror.Append(errs, sendErr)
		}
	}
	return errs.ErrorOrNil()
}

func (r *Reporter) toSentry(report Report) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("os", report.OS)
		scope.SetTag("arch", report.Arch)
		scope.SetTag("go_version", report.GoVersion)
		scope.SetTag("command", report.Command)
		scope.SetExtra("stack", report.Stack)
		scope.SetExtra("commit_sha", report.CommitSHA)
		sentry.CaptureMessage(report.Message)
	})
	sentry.Flush(sendTimeout)
}

func (r *Reporter) toEndpoint(ctx context.Context, report Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "deobf/"+r.cfg.Version)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("crash report not delivered: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("crash endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (r *Reporter) build(err error, stack []byte, command string) Report {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	goVersion := runtime.Version()
	if bi, ok := debug.ReadBuildInfo(); ok {
		goVersion = bi.GoVersion
	}
	return Report{
		Version:   r.cfg.Version,
		CommitSHA: r.cfg.CommitSHA,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		GoVersion: goVersion,
		Time:      time.Now().UTC().Format(time.RFC3339),
		Message:   msg,
		Stack:     string(stack),
		Command:   command,
	}
}

// HandlePanic is deferred at the top of main. It reports an in-flight
// panic and then re-panics.
func (r *Reporter) HandlePanic(ctx context.Context, command string) {
	v := recover()
	if v == nil {
		return
	}
	err, ok := v.(error)
	if !ok {
		err = fmt.Errorf("%v", v)
	}
	_ = r.Send(ctx, err, debug.Stack(), command)
	panic(v)
}
