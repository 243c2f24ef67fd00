package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
	"github.com/jarrod-lowe/cqrs-command-log/internal/service"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (pipeline failure, conflict, not found)
	ExitCommandError = 2 // Command error (bad flags, config, backend unavailable)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// CLIResponse is the JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes reported in JSON output.
const (
	ErrCodeConflict       = "E001"
	ErrCodeNotFound       = "E002"
	ErrCodePipelineFailed = "E003"
	ErrCodeInvalidInput   = "E004"
	ErrCodeInternal       = "E999"
)

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Success writes data. Text output renders data as YAML using its JSON
// field names.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(f.Writer)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

// Error writes err in JSON mode and returns it with an exit code. In text
// mode cobra's caller prints the returned error.
func (f *OutputFormatter) Error(err error) error {
	code := errorCode(err)
	if f.Format == "json" {
		_ = json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: err.Error()},
		})
	}
	exit := ExitFailure
	if code == ErrCodeInvalidInput {
		exit = ExitCommandError
	}
	return WrapExitError(exit, "command failed", err)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, command.ErrVersionConflict):
		return ErrCodeConflict
	case errors.Is(err, command.ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, service.ErrPipelineFailed):
		return ErrCodePipelineFailed
	case errors.Is(err, service.ErrInvalidInput):
		return ErrCodeInvalidInput
	default:
		return ErrCodeInternal
	}
}
