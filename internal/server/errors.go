package server

import (
	"StableLedger/internal/query"
	"StableLedger/internal/state"
	"context"
	"errors"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CodeForError maps an engine or query error to a gRPC code by its class.
func CodeForError(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, query.ErrNoDatabase):
		return codes.Unimplemented
	}

	if st, ok := status.FromError(err); ok {
		return st.Code()
	}

	_, class := state.Reason(err)
	switch class {
	case state.ErrorClassValidation:
		return codes.InvalidArgument
	case state.ErrorClassInsufficiency, state.ErrorClassHealthPolicy:
		return codes.FailedPrecondition
	case state.ErrorClassOracle:
		return codes.Unavailable
	case state.ErrorClassCollaborator:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// HTTPStatus is the HTTP status the gateway answers err with
func HTTPStatus(err error) int {
	return runtime.HTTPStatusFromCode(CodeForError(err))
}

// toStatus prefixes the message with the stable reason label so clients
// can branch without parsing free text.
func toStatus(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}
	code := CodeForError(err)
	if code == codes.Internal {
		return status.New(code, "internal error")
	}
	reason, class := state.Reason(err)
	if class == state.ErrorClassInternal {
		return status.New(code, err.Error())
	}
	return status.New(code, reason+": "+err.Error())
}
