package postgres

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/paywatch/internal/core/domain"
)

func TestDueDelayCase(t *testing.T) {
	schedule := domain.RetrySchedule{60 * time.Second, 120 * time.Second, 1500 * time.Millisecond}

	got := dueDelayCase(schedule)
	want := "CASE WHEN attempts <= 1 THEN 0 WHEN attempts = 2 THEN 60 WHEN attempts = 3 THEN 120" +
		" WHEN attempts = 4 THEN 1.5 ELSE 1.5 END"
	if got != want {
		t.Errorf("dueDelayCase() =\n%s\nwant\n%s", got, want)
	}
}

func TestDueDelayCase_MatchesSchedule(t *testing.T) {
	schedule := domain.RetrySchedule{time.Minute, 2 * time.Minute, 4 * time.Minute}
	expr := dueDelayCase(schedule)

	// attempts=n waits Delay(n-1)
	for n := 2; n <= len(schedule)+1; n++ {
		clause := "WHEN attempts = " + strconv.Itoa(n) + " THEN " + seconds(schedule.Delay(n-1))
		if !strings.Contains(expr, clause) {
			t.Errorf("missing %q in %s", clause, expr)
		}
	}
}

func TestDueDelayCase_Empty(t *testing.T) {
	if got := dueDelayCase(nil); got != "0" {
		t.Errorf("dueDelayCase(nil) = %q, want 0", got)
	}
}
