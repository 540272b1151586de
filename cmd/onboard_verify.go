package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nextlevelbuilder/larkclaw/internal/channels/feishu"
	"github.com/nextlevelbuilder/larkclaw/internal/config"
)

const verifyAttempts = 3

// credentialError holds the result of a failed credential probe.
type credentialError struct {
	fatal   bool   // true = bad credentials, do not retry
	message string // human-readable description
}

func (e *credentialError) Error() string { return e.message }

// classifyProbeError separates rejected credentials from transient failures.
func classifyProbeError(err error) *credentialError {
	var apiErr *feishu.APIError
	switch {
	case errors.As(err, &apiErr) && !apiErr.Temporary():
		return &credentialError{fatal: true, message: "credentials rejected: " + apiErr.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &credentialError{message: "timed out contacting the open platform"}
	default:
		return &credentialError{message: err.Error()}
	}
}

// verifyFeishuCredentials probes the bot identity, retrying transient
// failures (the network may still be coming up in containers). Rejected
// credentials fail immediately.
func verifyFeishuCredentials(ctx context.Context, fs config.FeishuConfig) (string, error) {
	probe := func() (string, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		openID, err := probeFeishu(attemptCtx, fs)
		if err == nil {
			return openID, nil
		}
		cerr := classifyProbeError(err)
		if cerr.fatal {
			return "", backoff.Permanent(cerr)
		}
		slog.Debug("onboard: credential probe failed, retrying", "error", cerr)
		return "", cerr
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	openID, err := backoff.Retry(ctx, probe, backoff.WithBackOff(b), backoff.WithMaxTries(verifyAttempts))
	if err != nil {
		return "", fmt.Errorf("verify feishu credentials: %w", err)
	}
	return openID, nil
}
