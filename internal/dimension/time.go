package dimension

import (
	"time"

	"github.com/golang-sql/civil"
)

// CalendarAttrs are the time dimension attributes derivable from a date.
type CalendarAttrs struct {
	DayOfMonth int
	DayName    string
	Month      int
	MonthName  string
	Quarter    int
	Year       int
	IsWeekend  bool
}

// Calendar derives the time dimension attributes of d.
func Calendar(d civil.Date) CalendarAttrs {
	wd := d.In(time.UTC).Weekday()
	return CalendarAttrs{
		DayOfMonth: d.Day,
		DayName:    wd.String(),
		Month:      int(d.Month),
		MonthName:  d.Month.String(),
		Quarter:    (int(d.Month)-1)/3 + 1,
		Year:       d.Year,
		IsWeekend:  wd == time.Saturday || wd == time.Sunday,
	}
}

// TimeID is the yyyymmdd smart key for d.
func TimeID(d civil.Date) int64 {
	return int64(d.Year)*10000 + int64(d.Month)*100 + int64(d.Day)
}

// TimeMember builds the time dimension member for d. A zero timeID is
// replaced with TimeID(d).
func TimeMember(d civil.Date, timeID int64) Member {
	if timeID == 0 {
		timeID = TimeID(d)
	}
	c := Calendar(d)
	return Member{
		NaturalKey: d,
		Attributes: []Attribute{
			{Column: "time_id", Value: timeID},
			{Column: "day_of_month", Value: int64(c.DayOfMonth)},
			{Column: "day_name", Value: c.DayName},
			{Column: "month", Value: int64(c.Month)},
			{Column: "month_name", Value: c.MonthName},
			{Column: "quarter", Value: int64(c.Quarter)},
			{Column: "year", Value: int64(c.Year)},
			{Column: "is_weekend", Value: c.IsWeekend},
		},
	}
}
