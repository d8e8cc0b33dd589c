package domain

import "time"

// DateOf truncates a timestamp to midnight in its own location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// IsBusinessDay reports whether SEPA settlement runs on the given day.
// Weekends and TARGET2 closing days are excluded.
func IsBusinessDay(day time.Time) bool {
	switch day.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, month, dom := day.Date()
	switch {
	case month == time.January && dom == 1,
		month == time.May && dom == 1,
		month == time.December && (dom == 25 || dom == 26):
		return false
	}
	easter := easterSunday(day.Year(), day.Location())
	d := DateOf(day)
	if d.Equal(easter.AddDate(0, 0, -2)) || d.Equal(easter.AddDate(0, 0, 1)) {
		return false
	}
	return true
}

// AddBusinessDays moves forward n business days from the given day.
func AddBusinessDays(from time.Time, n int) time.Time {
	day := DateOf(from)
	for n > 0 {
		day = day.AddDate(0, 0, 1)
		if IsBusinessDay(day) {
			n--
		}
	}
	return day
}

// easterSunday uses the anonymous Gregorian algorithm.
func easterSunday(year int, loc *time.Location) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := ((h + l - 7*m + 114) % 31) + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
}
