package aws

import (
	"errors"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/buffnerd/sg-sentinel/internal/providers"
)

// throttleCodes are the API error codes EC2 and friends return under rate
// pressure. These are safe to retry with backoff.
var throttleCodes = map[string]struct{}{
	"Throttling":               {},
	"ThrottlingException":      {},
	"RequestLimitExceeded":     {},
	"TooManyRequestsException": {},
}

// deniedCodes are permission failures. Retrying cannot help.
var deniedCodes = map[string]struct{}{
	"UnauthorizedOperation": {},
	"AccessDenied":          {},
	"AccessDeniedException": {},
	"AuthFailure":           {},
}

// wrapError maps an SDK error onto the provider error taxonomy so the
// layers above can decide retry-vs-abort without importing smithy.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return providers.NewError(providers.KindUnavailable, op, err)
	}

	code := apiErr.ErrorCode()
	switch {
	case isThrottleCode(code):
		return providers.NewError(providers.KindThrottled, op, err)
	case isDeniedCode(code):
		return providers.NewError(providers.KindDenied, op, err)
	case strings.HasSuffix(code, ".NotFound"), strings.HasSuffix(code, "NotFoundException"):
		return providers.NewError(providers.KindNotFound, op, err)
	default:
		return providers.NewError(providers.KindUnavailable, op, err)
	}
}

func isThrottleCode(code string) bool {
	_, ok := throttleCodes[code]
	return ok
}

func isDeniedCode(code string) bool {
	_, ok := deniedCodes[code]
	return ok
}
