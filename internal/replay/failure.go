package replay

import (
	"errors"
	"fmt"

	"github.com/petrijr/durabletask/pkg/api"
)

// failureOf maps an orchestrator error to the fields of a Failed terminal
// action: a short reason, the full diagnostic text and structured details.
func failureOf(err error, stack []byte) (reason, details string, fd *api.FailureDetails) {
	reason = err.Error()

	var of *api.OrchestrationFailureError
	if errors.As(err, &of) {
		fd = of.FailureDetails
		if fd == nil {
			fd = &api.FailureDetails{ErrorType: "OrchestrationFailure", ErrorMessage: of.Message}
		}
		return reason, of.Details, fd
	}

	details = fmt.Sprintf("%+v", err)
	fd = &api.FailureDetails{
		ErrorType:    fmt.Sprintf("%T", err),
		ErrorMessage: reason,
	}
	if len(stack) > 0 {
		details += "\n" + string(stack)
		fd.ErrorType = "panic"
		fd.StackTrace = string(stack)
	}

	var tf *api.TaskFailedError
	var sf *api.SubOrchestrationFailedError
	switch {
	case errors.As(err, &tf):
		fd.InnerFailure = causeOrReason(tf.Cause, "TaskFailed", tf.Reason)
	case errors.As(err, &sf):
		fd.InnerFailure = causeOrReason(sf.Cause, "SubOrchestrationFailed", sf.Reason)
	}
	return reason, details, fd
}

func causeOrReason(cause *api.FailureDetails, errorType, reason string) *api.FailureDetails {
	if cause != nil {
		return cause
	}
	return &api.FailureDetails{ErrorType: errorType, ErrorMessage: reason}
}
