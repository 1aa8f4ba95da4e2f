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

package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison with errors.Is
var (
	ErrAnalysis            = errors.New("dataflow analysis failed")
	ErrStaleFrames         = errors.New("frames are stale")
	ErrConsensus           = errors.New("no consensus value")
	ErrExecutionFault      = errors.New("oracle execution fault")
	ErrInvariantViolation  = errors.New("invariant violation")
	ErrDanglingReference   = errors.New("dangling label reference")
	ErrEditConflict        = errors.New("conflicting edits")
	ErrLogConsumed         = errors.New("mutation log already applied")
	ErrUnknownInstruction  = errors.New("instruction not in method")
	ErrWalkLimit           = errors.New("reachability walk limit exceeded")
	ErrAsmSyntax           = errors.New("assembly syntax error")
	ErrOracleNotFound      = errors.New("oracle executor binary not found")
	ErrMarshalFailed       = errors.New("failed to marshal request")
	ErrUnmarshalFailed     = errors.New("failed to unmarshal response")
	ErrConfig              = errors.New("configuration error")
	ErrCatalogOverlap      = errors.New("overlapping catalog patterns")
	ErrRPCConnectionFailed = errors.New("RPC connection failed")
)

// Wrap functions for consistent error wrapping
func WrapAnalysis(method string, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrAnalysis, method, msg)
}

func WrapStaleFrames(analysed, current uint64) error {
	return fmt.Errorf("%w: analysed at generation %d, method is at %d", ErrStaleFrames, analysed, current)
}

func WrapConsensus(msg string) error {
	return fmt.Errorf("%w: %s", ErrConsensus, msg)
}

func WrapExecutionFault(err error) error {
	return fmt.Errorf("%w: %w", ErrExecutionFault, err)
}

func WrapInvariantViolation(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, msg)
}

// WrapDanglingReference reports a jump, switch or try entry pointing at a
// label that is no longer in the instruction sequence. It is an invariant
// violation as well as a dangling reference.
func WrapDanglingReference(msg string) error {
	return fmt.Errorf("%w: %w: %s", ErrInvariantViolation, ErrDanglingReference, msg)
}

func WrapEditConflict(msg string) error {
	return fmt.Errorf("%w: %s", ErrEditConflict, msg)
}

func WrapUnknownInstruction(id int32) error {
	return fmt.Errorf("%w: id %d", ErrUnknownInstruction, id)
}

func WrapWalkLimit(limit int) error {
	return fmt.Errorf("%w: visited more than %d instructions", ErrWalkLimit, limit)
}

func WrapAsmSyntax(line int, msg string) error {
	return fmt.Errorf("%w: line %d: %s", ErrAsmSyntax, line, msg)
}

func WrapOracleNotFound(msg string) error {
	return fmt.Errorf("%w: %s", ErrOracleNotFound, msg)
}

func WrapMarshalFailed(err error) error {
	return fmt.Errorf("%w: %w", ErrMarshalFailed, err)
}

func WrapUnmarshalFailed(err error, output string) error {
	return fmt.Errorf("%w: %w, output: %s", ErrUnmarshalFailed, err, output)
}

func WrapConfigError(msg string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrConfig, msg)
	}
	return fmt.Errorf("%w: %s: %w", ErrConfig, msg, err)
}

func WrapCatalogOverlap(a, b string) error {
	return fmt.Errorf("%w: %q and %q have equal length and intersecting steps", ErrCatalogOverlap, a, b)
}

func WrapRPCConnectionFailed(err error) error {
	return fmt.Errorf("%w: %w", ErrRPCConnectionFailed, err)
}
