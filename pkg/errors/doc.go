// Package errors defines StructuredError, the coded error type shared by
// every pipeline component.
//
// A code names the failure kind (BUILD_FAILED, PUSH_FAILED, APPLY_REJECTED
// and so on). CodeOf reads the outermost code from a wrapped chain, and the
// orchestrator asks IsTransient whether a failed stage attempt may be retried.
// Codes also drive the CLI exit status and the HTTP status of API errors.
//
//	if err := push(ctx); err != nil {
//	    return errors.WrapWithContext(errors.ErrCodePushFailed,
//	        "failed to push image", err,
//	        map[string]any{"reference": ref.String()})
//	}
package errors
