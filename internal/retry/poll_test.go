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
	"testing"
	"time"
)

func TestPoll_SucceedsEventually(t *testing.T) {
	calls := 0
	err := Poll(context.Background(), 5, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Poll returned %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("predicate called %d times, want 3", calls)
	}
}

func TestPoll_ExhaustsBudget(t *testing.T) {
	probeErr := errors.New("port closed")
	calls := 0
	err := Poll(context.Background(), 4, time.Millisecond, func(context.Context) error {
		calls++
		return probeErr
	})

	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("Poll returned %v, want ErrPollTimeout", err)
	}
	if !errors.Is(err, probeErr) {
		t.Errorf("timeout error should wrap the last predicate error, got %v", err)
	}
	if calls != 4 {
		t.Errorf("predicate called %d times, want 4", calls)
	}
}

func TestPoll_CancelledMidWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Poll(ctx, 100, time.Hour, func(context.Context) error {
			return errors.New("never ready")
		})
	}()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Poll returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Poll did not observe cancellation promptly")
	}
}

func TestPoll_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Poll(ctx, 3, time.Millisecond, func(context.Context) error {
		calls++
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Poll returned %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("predicate called %d times on cancelled context, want 0", calls)
	}
}
