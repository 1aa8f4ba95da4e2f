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
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	dErrors "github.com/dotandev/deobf/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startService(t *testing.T, token string) *httptest.Server {
	t.Helper()
	handler, err := NewService(NewInterpreter(Standard(), nil), token).Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientExecutesRemotely(t *testing.T) {
	srv := startService(t, "secret")
	c := NewClient(srv.URL+"/rpc", "secret")

	got, err := execute(t, c, ".method f (II)I static\n iload_0\n iload_1\n ixor\n ireturn", Int(7), Int(2))
	require.NoError(t, err)
	assert.Equal(t, Int(5), got)

	_, err = execute(t, c, ".method f ()I static\n invokestatic x/Gone f ()I\n ireturn")
	assert.Equal(t, FaultUnresolved, faultKind(t, err))
}

func TestServiceAuthentication(t *testing.T) {
	srv := startService(t, "secret")

	tests := []struct {
		name  string
		token string
		ok    bool
	}{
		{"valid token", "secret", true},
		{"wrong token", "nope", false},
		{"no token", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, NewClient(srv.URL+"/rpc", tt.token), "iconst_1\n ireturn")
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, dErrors.ErrRPCConnectionFailed))
			assert.True(t, errors.Is(err, dErrors.ErrExecutionFault))
		})
	}
}

func TestServiceHealth(t *testing.T) {
	srv := startService(t, "")
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientConnectionFailure(t *testing.T) {
	_, err := execute(t, NewClient("http://127.0.0.1:1/rpc", ""), "return")
	assert.True(t, errors.Is(err, dErrors.ErrRPCConnectionFailed))
	assert.True(t, errors.Is(err, dErrors.ErrExecutionFault))
}
