// Copyright 2025 The fwdd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package retry

import (
	"context"
	"errors"
	"time"
)

// ErrPollTimeout is returned when a predicate never succeeded within the
// configured attempt budget.
var ErrPollTimeout = errors.New("retry: condition not met within attempt budget")

// Poll invokes predicate up to attempts times, sleeping interval between
// tries, and returns nil on the first success. It returns ctx.Err() if the
// context is cancelled mid-wait and ErrPollTimeout once the budget is spent.
//
// The last predicate error is wrapped into the timeout error so callers can
// see why the final attempt failed.
func Poll(ctx context.Context, attempts int, interval time.Duration, predicate func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := predicate(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}

		// No sleep after the final attempt.
		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if lastErr != nil {
		return errors.Join(ErrPollTimeout, lastErr)
	}
	return ErrPollTimeout
}
