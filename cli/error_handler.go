package cli

import (
	stderrors "errors"
	"fmt"
	"io"

	"github.com/grovetools/pipewatch/errors"
)

// ErrorHandler provides user-friendly error messages
type ErrorHandler struct {
	Verbose bool
	Out     io.Writer
}

// NewErrorHandler creates a new error handler writing to out
func NewErrorHandler(verbose bool, out io.Writer) *ErrorHandler {
	return &ErrorHandler{
		Verbose: verbose,
		Out:     out,
	}
}

// Handle prints a message for err based on its code and returns err.
func (h *ErrorHandler) Handle(err error) error {
	if err == nil {
		return nil
	}

	var coded *errors.Error
	stderrors.As(err, &coded)
	detail := func(key string) interface{} {
		if coded == nil {
			return ""
		}
		return coded.Details[key]
	}

	switch errors.GetCode(err) {
	case errors.ErrCodeConfigNotFound:
		fmt.Fprintf(h.Out, "Configuration not found. Create pipewatch.yml or pass --config.\n")

	case errors.ErrCodeConfigInvalid, errors.ErrCodeConfigValidation:
		fmt.Fprintf(h.Out, "Invalid configuration: %v\n", err)
		fmt.Fprintf(h.Out, "Run 'pipewatch config' to see the effective settings.\n")

	case errors.ErrCodeNotFound:
		fmt.Fprintf(h.Out, "The backend has no %v '%v'\n", detail("resource"), detail("id"))

	case errors.ErrCodeUnauthorized:
		fmt.Fprintf(h.Out, "The backend rejected the credentials. Check server.token in the configuration.\n")

	case errors.ErrCodeUnavailable:
		fmt.Fprintf(h.Out, "The backend is unreachable: %v\n", err)
		fmt.Fprintf(h.Out, "Check server.base_url and that the backend is running.\n")

	case errors.ErrCodeInvalidInput:
		fmt.Fprintf(h.Out, "The backend rejected the request (status %v)\n", detail("status"))

	case errors.ErrCodeSessionClosed:
		fmt.Fprintf(h.Out, "No project session is open.\n")

	default:
		fmt.Fprintf(h.Out, "Error: %v\n", err)
	}

	if h.Verbose && coded != nil {
		fmt.Fprintf(h.Out, "\nError details:\n%s\n", coded.ToJSON())
	}
	return err
}
