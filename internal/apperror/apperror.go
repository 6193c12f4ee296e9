// Copyright 2025 AUTHORS
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

// Package apperror classifies errors that cross the HTTP boundary into the
// two kinds the core recognizes: malformed requests from the caller, and
// everything else.
package apperror

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

type Kind int

const (
	Client Kind = iota
	Server
)

type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Kind == Client {
		return "Client error: " + e.Err.Error()
	}
	return "Server error: " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func NewClient(format string, args ...any) *Error {
	return &Error{Kind: Client, Err: fmt.Errorf(format, args...)}
}

func NewServer(format string, args ...any) *Error {
	return &Error{Kind: Server, Err: fmt.Errorf(format, args...)}
}

func (e *Error) StatusCode() int {
	if e.Kind == Client {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Write logs the error and writes it as a plain-text response.
func Write(log *zerolog.Logger, w http.ResponseWriter, err error) {
	appErr, ok := err.(*Error)
	if !ok {
		appErr = NewServer("%w", err)
	}
	log.Error().Err(appErr.Err).Bool("client", appErr.Kind == Client).Msg("request failed")
	http.Error(w, appErr.Error(), appErr.StatusCode())
}
