package loginprotect

import "testing"

func TestNotBannedInitially(t *testing.T) {
	t.Parallel()
	p := New()
	if p.IsBanned("1.2.3.4") {
		t.Error("fresh IP should not be banned")
	}
}

func TestBansAfterThreshold(t *testing.T) {
	t.Parallel()
	p := New()
	ip := "1.2.3.4"
	for i := 0; i < 5; i++ {
		p.RecordFailure(ip)
		if p.IsBanned(ip) {
			t.Fatalf("should not be banned after %d failures", i+1)
		}
	}
	p.RecordFailure(ip)
	if !p.IsBanned(ip) {
		t.Error("should be banned after 6 failures within the window")
	}
}

func TestBanIsPermanentNoAutoExpiry(t *testing.T) {
	t.Parallel()
	p := New()
	ip := "5.6.7.8"
	for i := 0; i < 6; i++ {
		p.RecordFailure(ip)
	}
	if !p.IsBanned(ip) {
		t.Fatal("expected ban")
	}
	// Further failures (or none) never clear the ban.
	p.RecordFailure(ip)
	if !p.IsBanned(ip) {
		t.Error("ban should remain set, no auto-expiry")
	}
}

func TestDistinctIPsIndependent(t *testing.T) {
	t.Parallel()
	p := New()
	for i := 0; i < 6; i++ {
		p.RecordFailure("9.9.9.9")
	}
	if p.IsBanned("8.8.8.8") {
		t.Error("unrelated IP should not be affected")
	}
}
