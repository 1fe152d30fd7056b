package store

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusWaiting, StatusProcessing, true},
		{StatusWaiting, StatusFailed, true},
		{StatusWaiting, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusWaiting, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusFailed, StatusCompleted, false},
		{StatusFailed, StatusProcessing, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestRecordingTypeMaxAudios(t *testing.T) {
	if got := RecordingLive.MaxAudios(); got != 1 {
		t.Errorf("live max = %d, want 1", got)
	}
	if got := RecordingSeparate.MaxAudios(); got != 2 {
		t.Errorf("separate max = %d, want 2", got)
	}
}
