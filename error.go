// Copyright 2021 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package restful

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrNonHTTPSURL means that using non-https URL is not allowed.
	ErrNonHTTPSURL = errors.New("non-https URL not allowed")

	// ErrURLBlocked means that the URL rewriter refused the target.
	ErrURLBlocked = errors.New("URL blocked by rewriter")
)

func errDeadlineOrCancel(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// IsConnectError determines if the result of an attempt is due to failed connection or gateway problem.
// I.e. no response, or 502 / 503 / 504.
func IsConnectError(resp *http.Response, err error) bool {
	if err != nil {
		return !errDeadlineOrCancel(err)
	}
	return resp == nil || retryStatus(resp.StatusCode)
}

func retryStatus(statusCode int) bool {
	return statusCode >= 502 && statusCode <= 504
}
