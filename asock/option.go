/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package asock

import "time"

type opOptions struct {
	timeout time.Duration
}

// OpOption configures a single socket operation.
type OpOption func(o *opOptions)

// WithTimeout cancels the operation if it has not completed within d. A
// timed out operation resolves with ErrTimeout, unless the kernel completed
// it before the cancel took effect, in which case the real result is kept.
func WithTimeout(d time.Duration) OpOption {
	return func(o *opOptions) {
		o.timeout = d
	}
}

func applyOptions(opts []OpOption) opOptions {
	var o opOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
