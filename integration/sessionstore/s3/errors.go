package s3

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/dmitrymomot/sessionkit/core/session"
)

var (
	ErrInvalidConfig     = errors.New("invalid s3 session store configuration")
	ErrBucketNotFound    = errors.New("s3 bucket not found")
	ErrAccessDenied      = errors.New("s3 access denied")
	ErrOperationTimeout  = errors.New("s3 operation timed out")
	ErrOperationCanceled = errors.New("s3 operation canceled")
	ErrInvalidID         = errors.New("session id cannot be used in an object key")
)

// classifyS3Error maps SDK errors onto package and session errors.
// Missing objects become session.ErrNotFound.
func classifyS3Error(err error, operation string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrOperationTimeout, operation)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s", ErrOperationCanceled, operation)
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return session.ErrNotFound
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return ErrBucketNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return session.ErrNotFound
		case "NoSuchBucket":
			return ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("%w: %s", ErrAccessDenied, operation)
		}
	}

	return fmt.Errorf("s3 %s: %w", operation, err)
}
