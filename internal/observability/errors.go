package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil failures of a teardown, reports them
// through logger (the global logger when nil) and returns the joined error.
func AggregateErrors(logger Logger, operation string, failures []error, fields ...Field) error {
	filtered := make([]error, 0, len(failures))
	messages := make([]string, 0, len(failures))
	for _, err := range failures {
		if err == nil {
			continue
		}
		filtered = append(filtered, err)
		messages = append(messages, err.Error())
	}
	if len(filtered) == 0 {
		return nil
	}
	if logger == nil {
		logger = Log()
	}
	logFields := make([]Field, 0, len(fields)+3)
	logFields = append(logFields, fields...)
	logFields = append(logFields,
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(filtered)},
		Field{Key: "errors", Value: messages},
	)
	logger.Error("teardown errors", logFields...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(filtered...))
}
