package aws

import (
	"context"
	"errors"
	"net"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/LykxSassinator/backupstore/internal/errs"
)

// kindForCode maps vendor error codes to the taxonomy. Kept as one table so
// the classification is reviewable against the vendor's documented
// retryable codes and testable without a network. Unlisted codes are
// terminal.
func kindForCode(code string) errs.Kind {
	switch code {
	// Throttling and server-side failures: retrying the identical
	// request may succeed.
	case "RequestTimeout", "RequestTimeoutException",
		"SlowDown", "Throttling", "ThrottlingException", "ThrottledException",
		"TooManyRequestsException", "RequestLimitExceeded",
		"ProvisionedThroughputExceededException",
		"InternalError", "InternalFailure",
		"ServiceUnavailable", "ServiceUnavailableException",
		"KMSInternalException", "KMSThrottlingException",
		"DependencyTimeoutException":
		return errs.KindTransient

	// Credential problems: one forced refresh, then terminal.
	case "ExpiredToken", "ExpiredTokenException",
		"InvalidToken", "TokenRefreshRequired",
		"InvalidAccessKeyId", "InvalidClientTokenId",
		"UnrecognizedClientException":
		return errs.KindAuthFailure

	// The caller lacks rights on the bucket or master key. Never
	// retried; the orchestration layer treats this as a config error.
	case "AccessDenied", "AccessDeniedException",
		"AuthorizationHeaderMalformed",
		"KMSDisabledException", "DisabledException":
		return errs.KindPermissionDenied

	case "NoSuchKey", "NoSuchBucket", "NoSuchUpload",
		"NotFound", "NotFoundException":
		return errs.KindNotFound

	case "InvalidArgument", "InvalidRequest",
		"InvalidPart", "InvalidPartOrder",
		"EntityTooSmall", "EntityTooLarge",
		"ValidationException",
		"InvalidCiphertextException", "InvalidKeyUsageException",
		"IncorrectKeyException":
		return errs.KindInvalidArgument
	}
	return errs.KindUnknown
}

// classify maps a raw vendor error to the normalized taxonomy. It is the
// only place that inspects vendor error shapes; everything above it deals
// in errs.Kind.
func classify(err error) errs.Kind {
	if err == nil {
		return errs.KindUnknown
	}
	// Context errors are handled by the retry loop; never retry them.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.KindUnknown
	}
	// Already-wrapped errors keep their kind (e.g. checksum mismatches
	// tagged transient by the multipart path).
	var e *errs.Error
	if errors.As(err, &e) {
		return e.Kind
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		if k := kindForCode(ae.ErrorCode()); k != errs.KindUnknown {
			return k
		}
	}

	// Fall back to the HTTP status class when the code is unknown.
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		switch sc := re.HTTPStatusCode(); {
		case sc == 429 || sc == 408 || sc >= 500:
			return errs.KindTransient
		case sc == 403:
			return errs.KindPermissionDenied
		case sc == 404:
			return errs.KindNotFound
		}
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errs.KindTransient
	}

	return errs.KindUnknown
}

// normalize wraps a raw vendor error with operation context and its
// classified kind. Nil and already-normalized errors pass through.
func normalize(op, target string, err error) error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	return errs.E(op, target, classify(err), err)
}
