package grpcserver

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/hostel-outpass/internal/errs"
)

// toStatus maps domain sentinels to gRPC codes. Unknown errors become
// Internal without leaking their text.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, errs.ErrInvalidInterval), errors.Is(err, errs.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrActivePassExists),
		errors.Is(err, errs.ErrQuotaExceeded),
		errors.Is(err, errs.ErrIllegalTransition),
		errors.Is(err, errs.ErrCredentialExpired):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, errs.ErrStaleCredential):
		return status.Error(codes.PermissionDenied, "stale credential")
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrIssuanceUnavailable):
		return status.Error(codes.Unavailable, "credential issuance unavailable")
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "no auth")
	default:
		return status.Error(codes.Internal, "internal")
	}
}
