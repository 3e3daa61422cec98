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

// Package retry provides the backoff policy used between worker restart
// attempts and a bounded polling helper for readiness checks.
package retry

import (
	"math/rand"
	"time"
)

// Policy is an immutable exponential backoff configuration.
type Policy struct {
	// InitialDelay is the delay after the first failure.
	// Default: 1 second
	InitialDelay time.Duration

	// MaxDelay caps the delay between attempts (before jitter).
	// Default: 60 seconds
	MaxDelay time.Duration

	// Multiplier grows the delay after each failure. Must be > 1.0.
	// Default: 2.0
	Multiplier float64

	// MaxAttempts limits consecutive failures before giving up.
	// Zero means unbounded.
	MaxAttempts int
}

// DefaultPolicy returns a Policy with sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  0,
	}
}

// normalized returns a copy with zero fields replaced by defaults.
func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Multiplier <= 1.0 {
		p.Multiplier = def.Multiplier
	}
	return p
}

// Next computes the delay that follows current. A zero current means the
// first failure of a streak and yields InitialDelay.
//
// The delay is multiplied, capped at MaxDelay, and only then jittered by
// ±10%. Applying jitter after the cap bounds every delay to
// [InitialDelay, MaxDelay*1.1] regardless of how long the failure streak is.
func (p Policy) Next(current time.Duration) time.Duration {
	p = p.normalized()

	var next time.Duration
	if current <= 0 {
		next = p.InitialDelay
	} else {
		next = time.Duration(float64(current) * p.Multiplier)
	}
	if next > p.MaxDelay {
		next = p.MaxDelay
	}

	// ±10% multiplicative jitter, applied after the cap.
	jitter := 0.9 + rand.Float64()*0.2
	next = time.Duration(float64(next) * jitter)

	if next < p.InitialDelay {
		next = p.InitialDelay
	}

	return next
}

// Exhausted reports whether failures has reached the attempt limit.
// Always false when MaxAttempts is zero.
func (p Policy) Exhausted(failures int) bool {
	return p.MaxAttempts > 0 && failures >= p.MaxAttempts
}
