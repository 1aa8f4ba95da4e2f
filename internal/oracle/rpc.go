// Copyright (c) 2026 dotandev
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dotandev/deobf/internal/errors"
	"github.com/dotandev/deobf/internal/logger"
	"github.com/dotandev/deobf/internal/telemetry"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.opentelemetry.io/otel/attribute"
)

// ServiceName is the JSON-RPC service the oracle methods live under.
const ServiceName = "oracle"

// Service exposes an Oracle over JSON-RPC 2.0 as oracle.Execute.
type Service struct {
	oracle    Oracle
	authToken string
}

// NewService wraps o. An empty token disables authentication.
func NewService(o Oracle, authToken string) *Service {
	return &Service{oracle: o, authToken: authToken}
}

// authenticate accepts "Bearer <token>" or the bare token.
func (s *Service) authenticate(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token == s.authToken
	}
	return auth != "" && auth == s.authToken
}

// Execute handles oracle.Execute. Faults are returned inside the response;
// only transport-level problems are RPC errors.
func (s *Service) Execute(r *http.Request, req *Request, resp *Response) error {
	if !s.authenticate(r) {
		return fmt.Errorf("unauthorized")
	}

	ctx := r.Context()
	tracer := telemetry.GetTracer()
	ctx, span := tracer.Start(ctx, "rpc_oracle_execute")
	span.SetAttributes(attribute.String("oracle.owner", req.Owner))
	defer span.End()

	logger.Logger.Info("Processing oracle.Execute RPC", "owner", req.Owner, "method", req.Body.String())

	out, err := respond(s.oracle.Execute(ctx, req))
	if err != nil {
		span.RecordError(err)
		return err
	}
	*resp = out
	return nil
}

// Handler returns the HTTP handler serving /rpc and /health.
func (s *Service) Handler() (http.Handler, error) {
	server := rpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	server.RegisterCodec(json2.NewCodec(), "application/json;charset=UTF-8")
	if err := server.RegisterService(s, ServiceName); err != nil {
		return nil, fmt.Errorf("failed to register service: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/rpc", server)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	return mux, nil
}

// Serve listens on addr until ctx is cancelled.
func (s *Service) Serve(ctx context.Context, addr string) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		logger.Logger.Info("Starting oracle JSON-RPC server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Logger.Info("Shutting down oracle JSON-RPC server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Client is an Oracle backed by a remote Service.
type Client struct {
	URL   string
	Token string
	HTTP  *http.Client
}

// NewClient returns a client for the service at url, e.g.
// http://localhost:8745/rpc.
func NewClient(url, token string) *Client {
	return &Client{URL: url, Token: token, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

// Execute runs req on the remote service. Transport and decoding failures
// are execution faults, so a caller skips the one request rather than
// giving up on the method.
func (c *Client) Execute(ctx context.Context, req *Request) (Value, error) {
	body, err := json2.EncodeClientRequest(ServiceName+".Execute", req)
	if err != nil {
		return Value{}, errors.WrapExecutionFault(errors.WrapMarshalFailed(err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return Value{}, errors.WrapExecutionFault(errors.WrapRPCConnectionFailed(err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	httpResp, err := hc.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Value{}, limit("remote execution cancelled: %v", ctx.Err())
		}
		return Value{}, errors.WrapExecutionFault(errors.WrapRPCConnectionFailed(err))
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json2.DecodeClientResponse(httpResp.Body, &resp); err != nil {
		return Value{}, errors.WrapExecutionFault(errors.WrapRPCConnectionFailed(err))
	}
	return resp.result()
}
