// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// JSONResponse is the envelope for --json output.
type JSONResponse struct {
	Success   bool    `json:"success"`
	Data      any     `json:"data"`
	Error     *string `json:"error"`
	Timestamp string  `json:"timestamp"`
	Command   string  `json:"command,omitempty"`
}

// NewJSONResponse creates a successful response.
func NewJSONResponse(command string, data any) *JSONResponse {
	return &JSONResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// NewJSONErrorResponse creates an error response.
func NewJSONErrorResponse(command string, err error) *JSONResponse {
	msg := err.Error()
	return &JSONResponse{
		Success:   false,
		Error:     &msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

func (a *App) printJSON(resp *JSONResponse) error {
	data, err := sonic.ConfigStd.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(a.out, string(data))
	return err
}

// emit prints data as JSON in --json mode, otherwise runs human.
func (a *App) emit(command string, data any, human func()) error {
	if a.jsonOut {
		return a.printJSON(NewJSONResponse(command, data))
	}
	human()
	return nil
}
