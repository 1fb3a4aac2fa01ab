package window

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const secondsPerDay = 24 * 60 * 60

// Clock is a wall-clock instant expressed as seconds since local midnight.
type Clock int32

// ParseClock accepts "HH:MM" or "HH:MM:SS". "24:00" is normalised to midnight.
func ParseClock(raw string) (Clock, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("clock value is empty")
	}
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("clock %q: expected HH:MM or HH:MM:SS", raw)
	}
	fields := make([]int, 3)
	limits := []int{24, 59, 59}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("clock %q: invalid field %q", raw, p)
		}
		fields[i] = n
	}
	if fields[0] == 24 {
		if fields[1] != 0 || fields[2] != 0 {
			return 0, fmt.Errorf("clock %q: beyond 24:00", raw)
		}
		return 0, nil
	}
	return Clock(fields[0]*3600 + fields[1]*60 + fields[2]), nil
}

// MustClock is ParseClock for literals known to be valid.
func MustClock(raw string) Clock {
	c, err := ParseClock(raw)
	if err != nil {
		panic(err)
	}
	return c
}

// ClockOf truncates t to second resolution in its own location.
func ClockOf(t time.Time) Clock {
	h, m, s := t.Clock()
	return Clock(h*3600 + m*60 + s)
}

// Forward shifts the clock later within the same day, stopping at 23:59:59.
func (c Clock) Forward(d time.Duration) Clock {
	v := int64(c) + int64(d/time.Second)
	if v >= secondsPerDay {
		v = secondsPerDay - 1
	}
	return Clock(v)
}

// Back shifts the clock earlier within the same day, stopping at midnight.
func (c Clock) Back(d time.Duration) Clock {
	v := int64(c) - int64(d/time.Second)
	if v < 0 {
		v = 0
	}
	return Clock(v)
}

// On anchors the clock to the calendar day of ref.
func (c Clock) On(ref time.Time) time.Time {
	y, mo, d := ref.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, ref.Location()).Add(time.Duration(c) * time.Second)
}

func (c Clock) String() string {
	v := int(c)
	if v%60 == 0 {
		return fmt.Sprintf("%02d:%02d", v/3600, (v%3600)/60)
	}
	return fmt.Sprintf("%02d:%02d:%02d", v/3600, (v%3600)/60, v%60)
}

func (c Clock) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Clock) UnmarshalText(b []byte) error {
	parsed, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Range is a half-open [Start, End) span of the day. End <= Start wraps past midnight.
type Range struct {
	Start Clock `json:"start"`
	End   Clock `json:"end"`
}

// ParseRange parses "HH:MM-HH:MM".
func ParseRange(raw string) (Range, error) {
	parts := strings.Split(strings.TrimSpace(raw), "-")
	if len(parts) != 2 {
		return Range{}, fmt.Errorf("range %q: expected HH:MM-HH:MM", raw)
	}
	start, err := ParseClock(parts[0])
	if err != nil {
		return Range{}, err
	}
	end, err := ParseClock(parts[1])
	if err != nil {
		return Range{}, err
	}
	return Range{Start: start, End: end}, nil
}

// Wraps reports whether the range crosses midnight.
func (r Range) Wraps() bool { return r.End < r.Start }

// Contains tests membership with an inclusive start and exclusive end.
// A range with Start == End covers the whole day.
func (r Range) Contains(c Clock) bool {
	switch {
	case r.Start == r.End:
		return true
	case r.Wraps():
		return c >= r.Start || c < r.End
	default:
		return c >= r.Start && c < r.End
	}
}

// Offset returns seconds elapsed since Start, following the wrap.
func (r Range) Offset(c Clock) int {
	v := int(c) - int(r.Start)
	if v < 0 {
		v += secondsPerDay
	}
	return v
}

// Remaining is the time from c until End, assuming c is inside the range.
func (r Range) Remaining(c Clock) time.Duration {
	length := int(r.End) - int(r.Start)
	if length <= 0 {
		length += secondsPerDay
	}
	left := length - r.Offset(c)
	if left < 0 {
		left = 0
	}
	return time.Duration(left) * time.Second
}

func (r Range) String() string { return r.Start.String() + "-" + r.End.String() }
