// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"github.com/hemant/titandelay/internal/errors"
)

// IsStorageUnavailable reports whether err means the backing store could not be
// reached or did not answer in time. Retrying is always safe: Add may
// duplicate, Poll is read-only and Remove is idempotent.
func IsStorageUnavailable(err error) bool {
	return errors.HasCode(err, errors.Unavailable)
}

// IsDecodeFailure reports whether err means a stored member could not be decoded.
func IsDecodeFailure(err error) bool {
	return errors.HasCode(err, errors.DataLoss)
}

// IsConfigurationError reports whether err was caused by invalid configuration
// or arguments, such as a non-positive bucket count or an out-of-range index.
// Such errors are programming errors and must not be retried.
func IsConfigurationError(err error) bool {
	return errors.HasCode(err, errors.InvalidArgument)
}

func configError(op errors.Op, msg string) error {
	return errors.E(op, errors.InvalidArgument, msg)
}
