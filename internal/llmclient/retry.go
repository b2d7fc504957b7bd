package llmclient

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second
	return b
}

// retryable reports whether an HTTP status is worth another attempt.
func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func statusError(logger *zap.Logger, provider string, status int, body []byte) error {
	logger.Error("LLM API returned error status", zap.Int("status", status), zap.String("response", string(body)))
	err := fmt.Errorf("%s API error: status %d, body: %s", provider, status, string(body))
	if retryable(status) {
		return err
	}
	return backoff.Permanent(err)
}

// classifySDKError marks SDK errors with a non-retryable status as permanent.
func classifySDKError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && !retryable(apiErr.Code) {
		return backoff.Permanent(err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil && !retryable(apiErrPtr.Code) {
		return backoff.Permanent(err)
	}
	return err
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
