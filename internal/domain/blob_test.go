package domain

import (
	"testing"
	"time"
)

func TestArchiveDay(t *testing.T) {
	// 23:30 in UTC-5 is already the next UTC day.
	at := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	if got := ArchiveDay(at); got != "2026-03-02" {
		t.Errorf("ArchiveDay = %s", got)
	}
	day, err := ParseArchiveDay("2026-03-02")
	if err != nil || !day.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("ParseArchiveDay = %v, %v", day, err)
	}
	for _, bad := range []string{"", "2026-3-2", "2026-02-30", "../2026-03-02", "2026-03-02.jsonl"} {
		if _, err := ParseArchiveDay(bad); err == nil {
			t.Errorf("ParseArchiveDay(%q) accepted", bad)
		}
	}
}

func TestAuditFilterMatches(t *testing.T) {
	e := AuditEntry{Event: AuditBettingPaused, Actor: "ops"}
	cases := []struct {
		f    AuditFilter
		want bool
	}{
		{AuditFilter{}, true},
		{AuditFilter{Event: AuditBettingPaused}, true},
		{AuditFilter{Actor: "ops"}, true},
		{AuditFilter{Event: AuditBettingPaused, Actor: "oncall"}, false},
		{AuditFilter{Event: AuditEntryFeeUpdated}, false},
	}
	for _, c := range cases {
		if got := c.f.Matches(e); got != c.want {
			t.Errorf("%+v.Matches = %v", c.f, got)
		}
	}
}
