// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package posttroll

import "errors"

var (
	// ErrTimeout reports that a request/reply or receive operation
	// exceeded its deadline.
	ErrTimeout = errors.New("posttroll: timeout")

	// ErrConnection reports that a transport bind or connect failed,
	// including peer-authentication rejections.
	ErrConnection = errors.New("posttroll: connection failed")

	// ErrAddressNotFound reports that a requested service has no live
	// addresses.
	ErrAddressNotFound = errors.New("posttroll: no address for service")

	// ErrConfig reports an unknown configuration key or an impossible
	// value combination.
	ErrConfig = errors.New("posttroll: invalid configuration")
)
