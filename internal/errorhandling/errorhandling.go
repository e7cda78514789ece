// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package errorhandling converts panics at the embedded-interpreter
// boundary into ordinary errors. Prepare scripts, filter functions, and
// script commands all run third-party interpreter code that may panic;
// the coordinator must see a located diagnostic instead of dying.
package errorhandling

import "fmt"

// Safe2 runs f and returns its result value or returned error. If f
// panics, the panic is recovered and returned as an error instead. Any
// error, recovered or returned, is passed through wrapError.
//
// This is equivalent to a try-catch and should stay confined to the
// script-engine boundary; core build-graph code returns errors normally.
func Safe2[TValue any](f func() (TValue, error), wrapError func(err error) error) (result TValue, err error) {
	value, err := safe2(f)
	if err != nil {
		return value, wrapError(err)
	}
	return value, nil
}

func safe2[TValue any](f func() (TValue, error)) (result TValue, err error) {
	defer func() {
		var ok bool
		e := recover()
		if e == nil {
			return
		}
		if err, ok = e.(error); !ok {
			err = fmt.Errorf("%v", e)
		}
	}()
	return f()
}
