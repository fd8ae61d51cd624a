package inference

import "errors"

// ErrQuotaExceeded indicates the provider returned a quota/limit error (HTTP 429 or similar).
var ErrQuotaExceeded = errors.New("inference quota exceeded")

// ErrMalformedPayload indicates a response body that is not a JSON object.
var ErrMalformedPayload = errors.New("malformed inference payload")
