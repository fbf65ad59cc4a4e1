package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/matheus3301/msgsync/internal/syncerr"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps an engine error onto a gRPC status.
func toStatus(op string, err error) error {
	var rejected *syncerr.RejectedError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syncerr.ErrNotFound):
		return grpcstatus.Errorf(codes.NotFound, "%s: %v", op, err)
	case errors.Is(err, syncerr.ErrNotFailed), errors.Is(err, syncerr.ErrNotPending):
		return grpcstatus.Errorf(codes.FailedPrecondition, "%s: %v", op, err)
	case errors.Is(err, syncerr.ErrOffline), errors.Is(err, syncerr.ErrTransient):
		return grpcstatus.Errorf(codes.Unavailable, "%s: %v", op, err)
	case errors.As(err, &rejected):
		return grpcstatus.Errorf(rejectedCode(rejected.StatusCode), "%s: %v", op, err)
	case errors.Is(err, context.Canceled):
		return grpcstatus.Errorf(codes.Canceled, "%s: %v", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Errorf(codes.DeadlineExceeded, "%s: %v", op, err)
	default:
		return grpcstatus.Errorf(codes.Internal, "%s: %v", op, err)
	}
}

func rejectedCode(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.AlreadyExists
	default:
		return codes.FailedPrecondition
	}
}
