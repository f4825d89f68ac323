package sessions

import (
	"errors"
	"testing"
)

func TestTurnLocker(t *testing.T) {
	locker := NewTurnLocker()

	release, err := locker.TryAcquire("s1")
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if _, err := locker.TryAcquire("s1"); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("second TryAcquire() error = %v, want ErrSessionBusy", err)
	}

	other, err := locker.TryAcquire("s2")
	if err != nil {
		t.Fatalf("TryAcquire(s2) error = %v", err)
	}
	if locker.Active() != 2 {
		t.Errorf("Active() = %d, want 2", locker.Active())
	}

	release()
	release()
	other()
	if locker.Active() != 0 {
		t.Errorf("Active() = %d after release, want 0", locker.Active())
	}
	if _, err := locker.TryAcquire("s1"); err != nil {
		t.Errorf("TryAcquire() after release error = %v", err)
	}

	if _, err := locker.TryAcquire(" "); err == nil {
		t.Error("TryAcquire(blank) expected error")
	}
}
