package types

import "testing"

func TestJobTransitionAllowed(t *testing.T) {
	cases := []struct {
		from, to JobState
		want     bool
	}{
		{JobDiscovered, JobQueued, true},
		{JobDiscovered, JobVerified, false},
		{JobQueued, JobInProgress, true},
		{JobInProgress, JobQuarantined, true},
		{JobPartial, JobVerified, true},
		{JobQuarantined, JobQueued, true},
		{JobQuarantined, JobInProgress, false},
		{JobVerified, JobQueued, false},
		{JobFailed, JobQueued, false},
	}
	for _, c := range cases {
		if got := JobTransitionAllowed(c.from, c.to); got != c.want {
			t.Errorf("JobTransitionAllowed(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTargetTransitionAllowed(t *testing.T) {
	cases := []struct {
		from, to TargetState
		want     bool
	}{
		{TargetPending, TargetCopying, true},
		{TargetCopying, TargetCopied, true},
		{TargetCopying, TargetVerifying, false},
		{TargetCopied, TargetVerifying, true},
		{TargetVerifying, TargetVerified, true},
		{TargetFailedRetryable, TargetPending, true},
		{TargetFailedPermanent, TargetPending, false},
		{TargetVerified, TargetPending, false},
	}
	for _, c := range cases {
		if got := TargetTransitionAllowed(c.from, c.to); got != c.want {
			t.Errorf("TargetTransitionAllowed(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestJobStateTerminal(t *testing.T) {
	for _, s := range []JobState{JobVerified, JobFailed, JobQuarantined} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []JobState{JobDiscovered, JobQueued, JobInProgress, JobPartial} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestNewJobIDUnique(t *testing.T) {
	a, b := NewJobID(), NewJobID()
	if a == b {
		t.Fatal("expected unique job ids")
	}
	if a == "" {
		t.Fatal("expected non-empty job id")
	}
}

func TestSemaphore(t *testing.T) {
	sem := NewSemaphore(1)
	sem.Acquire()
	if sem.TryAcquire() {
		t.Fatal("expected TryAcquire to fail while slot held")
	}
	sem.Release()
	if !sem.TryAcquire() {
		t.Fatal("expected TryAcquire to succeed after release")
	}
}
