package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Multiplier:   2.0,
		sleep:        func(time.Duration) {},
	}
}

func TestPolicyRetriesTransportErrors(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	err := testPolicy().Do(ctx, func() error {
		attempts++
		if attempts < 3 {
			return &ProviderError{Msg: "connection reset"}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestPolicyStopsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	err := testPolicy().Do(ctx, func() error {
		attempts++
		return errors.New("still broken")
	})
	if err == nil {
		t.Fatal("want error")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestPolicyDoesNotRetryValidationErrors(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	err := testPolicy().Do(ctx, func() error {
		attempts++
		return &ProviderError{Msg: "file too large", Validation: true}
	})
	var pe *ProviderError
	if !errors.As(err, &pe) || !pe.Validation {
		t.Fatalf("err = %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestPolicyStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := testPolicy().Do(ctx, func() error {
		attempts++
		cancel()
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("want error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestProviderStatusErrorClassification(t *testing.T) {
	cases := []struct {
		status     int
		validation bool
	}{
		{400, true},
		{404, true},
		{408, false},
		{413, true},
		{429, false},
		{500, false},
		{503, false},
	}
	for _, tc := range cases {
		pe := providerStatusError("transcription", tc.status, nil)
		if pe.Validation != tc.validation {
			t.Errorf("status %d: validation = %v, want %v", tc.status, pe.Validation, tc.validation)
		}
	}
}
