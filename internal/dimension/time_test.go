package dimension

import (
	"testing"

	"github.com/golang-sql/civil"
	"github.com/stretchr/testify/assert"
)

func TestCalendar(t *testing.T) {
	tests := []struct {
		date string
		want CalendarAttrs
	}{
		{"2024-03-15", CalendarAttrs{DayOfMonth: 15, DayName: "Friday", Month: 3, MonthName: "March", Quarter: 1, Year: 2024, IsWeekend: false}},
		{"2024-03-16", CalendarAttrs{DayOfMonth: 16, DayName: "Saturday", Month: 3, MonthName: "March", Quarter: 1, Year: 2024, IsWeekend: true}},
		{"2023-12-31", CalendarAttrs{DayOfMonth: 31, DayName: "Sunday", Month: 12, MonthName: "December", Quarter: 4, Year: 2023, IsWeekend: true}},
		{"2024-07-01", CalendarAttrs{DayOfMonth: 1, DayName: "Monday", Month: 7, MonthName: "July", Quarter: 3, Year: 2024, IsWeekend: false}},
	}
	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			d, err := civil.ParseDate(tt.date)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, Calendar(d))
		})
	}
}

func TestTimeMember(t *testing.T) {
	d := civil.Date{Year: 2024, Month: 3, Day: 15}

	m := TimeMember(d, 0)
	assert.Equal(t, d, m.NaturalKey)
	attrs := map[string]any{}
	for _, a := range m.Attributes {
		attrs[a.Column] = a.Value
	}
	assert.Equal(t, int64(20240315), attrs["time_id"])
	assert.Equal(t, int64(15), attrs["day_of_month"])
	assert.Equal(t, "Friday", attrs["day_name"])
	assert.Equal(t, int64(3), attrs["month"])
	assert.Equal(t, int64(1), attrs["quarter"])
	assert.Equal(t, int64(2024), attrs["year"])
	assert.Equal(t, false, attrs["is_weekend"])

	m = TimeMember(d, 77)
	assert.Equal(t, int64(77), m.Attributes[0].Value)
}
