package subscription

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 30, 0, 0, time.UTC)
}

func TestPeriodAt(t *testing.T) {
	tests := []struct {
		name      string
		anchor    time.Time
		now       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "first period",
			anchor:    date(2025, time.January, 15),
			now:       date(2025, time.January, 20),
			wantStart: date(2025, time.January, 15),
			wantEnd:   date(2025, time.February, 15),
		},
		{
			name:      "not calendar month",
			anchor:    date(2025, time.January, 15),
			now:       date(2025, time.March, 3),
			wantStart: date(2025, time.February, 15),
			wantEnd:   date(2025, time.March, 15),
		},
		{
			name:      "clamps to short month",
			anchor:    date(2025, time.January, 31),
			now:       date(2025, time.March, 1),
			wantStart: date(2025, time.February, 28),
			wantEnd:   date(2025, time.March, 31),
		},
		{
			name:      "leap year",
			anchor:    date(2024, time.January, 31),
			now:       date(2024, time.February, 29).Add(time.Hour),
			wantStart: date(2024, time.February, 29),
			wantEnd:   date(2024, time.March, 31),
		},
		{
			name:      "boundary instant starts next period",
			anchor:    date(2025, time.January, 15),
			now:       date(2025, time.February, 15),
			wantStart: date(2025, time.February, 15),
			wantEnd:   date(2025, time.March, 15),
		},
		{
			name:      "before boundary time of day",
			anchor:    date(2025, time.January, 15),
			now:       date(2025, time.February, 15).Add(-time.Minute),
			wantStart: date(2025, time.January, 15),
			wantEnd:   date(2025, time.February, 15),
		},
		{
			name:      "across year",
			anchor:    date(2024, time.November, 30),
			now:       date(2025, time.February, 10),
			wantStart: date(2025, time.January, 30),
			wantEnd:   date(2025, time.February, 28),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := PeriodAt(tc.anchor, tc.now)
			if !p.Start.Equal(tc.wantStart) || !p.End.Equal(tc.wantEnd) {
				t.Fatalf("PeriodAt()=[%s, %s), want [%s, %s)", p.Start, p.End, tc.wantStart, tc.wantEnd)
			}
			if !p.Contains(tc.now) && !tc.now.Before(tc.anchor) {
				t.Fatalf("period [%s, %s) does not contain %s", p.Start, p.End, tc.now)
			}
		})
	}
}
