// Copyright 2025 The fwdd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package control implements the daemon's local control protocol:
// newline-delimited JSON request/response over a Unix socket restricted to
// the owning user. Correlation IDs let a client pipeline requests on one
// connection and match responses by ID.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Protocol error codes returned in ErrorBody.Code.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeUnknownCommand    = "unknown_command"
	CodeInvalidParams     = "invalid_params"
	CodeNotFound          = "not_found"
	CodeUnknownProfile    = "unknown_profile"
	CodeWorkerUnavailable = "worker_unavailable"
	CodeInternal          = "internal"
)

// Commands accepted over the control socket. The set is closed: anything
// else is answered with unknown_command.
const (
	CmdStatus         = "status"
	CmdStartProfile   = "start_profile"
	CmdStopProfile    = "stop_profile"
	CmdRestartProfile = "restart_profile"
	CmdEnableProfile  = "enable_profile"
	CmdDisableProfile = "disable_profile"
	CmdReloadConfig   = "reload_config"
	CmdShutdown       = "shutdown"
	CmdGetServices    = "get_services"
	CmdGetLogs        = "get_logs"
)

// ErrUnknownCommand is returned by validation for commands outside the set.
var ErrUnknownCommand = errors.New("control: unknown command")

var knownCommands = map[string]struct{}{
	CmdStatus:         {},
	CmdStartProfile:   {},
	CmdStopProfile:    {},
	CmdRestartProfile: {},
	CmdEnableProfile:  {},
	CmdDisableProfile: {},
	CmdReloadConfig:   {},
	CmdShutdown:       {},
	CmdGetServices:    {},
	CmdGetLogs:        {},
}

// KnownCommand reports whether cmd is part of the protocol's command set.
func KnownCommand(cmd string) bool {
	_, ok := knownCommands[cmd]
	return ok
}

// Request is one control command. ID is a client-chosen correlation ID
// echoed verbatim in the response.
type Request struct {
	// ID links the response back to this request.
	ID uint64 `json:"id"`

	// Command is one of the Cmd constants.
	Command string `json:"command"`

	// Params contains command-specific parameters.
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request. OK selects between Result and
// Error; exactly one of them is populated.
type Response struct {
	// ID echoes the request's correlation ID.
	ID uint64 `json:"id"`

	// OK indicates whether the command succeeded.
	OK bool `json:"ok"`

	// Result contains the command result (success only).
	Result json.RawMessage `json:"result,omitempty"`

	// Error contains structured error information (failure only).
	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the structured error carried in failed responses.
type ErrorBody struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`
}

func (e *ErrorBody) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ProfileParams names the profile a profile command operates on.
type ProfileParams struct {
	Name string `json:"name"`
}

// GetLogsParams bounds the number of journal lines returned.
type GetLogsParams struct {
	Lines int `json:"lines,omitempty"`
}

// NewResult builds a success response, marshalling v as the result.
func NewResult(id uint64, v any) (*Response, error) {
	var raw json.RawMessage
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		raw = data
	}
	return &Response{ID: id, OK: true, Result: raw}, nil
}

// NewError builds a failure response.
func NewError(id uint64, code, message string) *Response {
	return &Response{ID: id, OK: false, Error: &ErrorBody{Code: code, Message: message}}
}

// DecodeParams unmarshals request params into dst, mapping failures to an
// invalid_params ErrorBody.
func DecodeParams(raw json.RawMessage, dst any) *ErrorBody {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &ErrorBody{Code: CodeInvalidParams, Message: err.Error()}
	}
	return nil
}
