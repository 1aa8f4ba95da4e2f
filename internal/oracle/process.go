// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/dotandev/deobf/internal/errors"
	"github.com/dotandev/deobf/internal/logger"
	"github.com/dotandev/deobf/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// ExecutorName is the binary NewProcessOracle looks for.
const ExecutorName = "deobf-oracle"

// ProcessOracle runs each request in a fresh executor process: the request
// is written to its stdin as JSON and a Response is read from its stdout.
// A cancelled context terminates the whole process group.
type ProcessOracle struct {
	BinaryPath string
	Args       []string
	Env        []string
	Grace      time.Duration
}

// NewProcessOracle locates the executor binary: DEOBF_ORACLE_PATH, then the
// working directory, then PATH.
func NewProcessOracle() (*ProcessOracle, error) {
	if envPath := os.Getenv("DEOBF_ORACLE_PATH"); envPath != "" {
		return &ProcessOracle{BinaryPath: envPath}, nil
	}

	if cwd, err := os.Getwd(); err == nil {
		localPath := filepath.Join(cwd, ExecutorName)
		if _, err := os.Stat(localPath); err == nil {
			return &ProcessOracle{BinaryPath: localPath}, nil
		}
	}

	if path, err := exec.LookPath(ExecutorName); err == nil {
		return &ProcessOracle{BinaryPath: path}, nil
	}

	return nil, errors.WrapOracleNotFound("build " + ExecutorName + " or set DEOBF_ORACLE_PATH")
}

func (p *ProcessOracle) Execute(ctx context.Context, req *Request) (Value, error) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.Start(ctx, "oracle_process")
	span.SetAttributes(attribute.String("oracle.binary_path", p.BinaryPath))
	defer span.End()

	input, err := json.Marshal(req)
	if err != nil {
		span.RecordError(err)
		logger.Logger.Error("Failed to marshal oracle request", "error", err)
		return Value{}, errors.WrapExecutionFault(errors.WrapMarshalFailed(err))
	}
	span.SetAttributes(attribute.Int("request.size_bytes", len(input)))

	cmd := exec.Command(p.BinaryPath, p.Args...)
	if p.Env != nil {
		cmd.Env = append(os.Environ(), p.Env...)
	}
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	prepareCommand(cmd)

	logger.Logger.Debug("Starting oracle executor", "binary", p.BinaryPath, "input_size", len(input))
	if err := cmd.Start(); err != nil {
		span.RecordError(err)
		return Value{}, errors.WrapExecutionFault(errors.WrapOracleNotFound(err.Error()))
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		grace := p.Grace
		if grace <= 0 {
			grace = 500 * time.Millisecond
		}
		if termErr := terminateCommand(cmd, grace); termErr != nil {
			logger.Logger.Warn("Failed to terminate oracle executor", "error", termErr)
		}
		<-done
		span.RecordError(ctx.Err())
		return Value{}, limit("executor cancelled: %v", ctx.Err())
	}
	if err != nil {
		span.RecordError(err)
		logger.Logger.Error("Oracle executor failed", "error", err, "stderr", stderr.String())
		return Value{}, errors.WrapExecutionFault(err)
	}

	var resp Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		span.RecordError(err)
		logger.Logger.Error("Failed to unmarshal oracle response", "error", err, "output", stdout.String())
		return Value{}, errors.WrapExecutionFault(errors.WrapUnmarshalFailed(err, stdout.String()))
	}
	if resp.Fault != nil {
		span.SetAttributes(attribute.String("oracle.fault", string(resp.Fault.Kind)))
	}
	return resp.result()
}

// ServeProcess is the executor side of ProcessOracle: it reads one request
// from r, runs it on o and writes the Response to w.
func ServeProcess(ctx context.Context, r io.Reader, w io.Writer, o Oracle) error {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return errors.WrapUnmarshalFailed(err, "")
	}
	resp, err := respond(o.Execute(ctx, &req))
	if err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(resp)
}
