package enrollment

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// GroupMode controls whether cross-listed sections are merged in the output.
type GroupMode string

const (
	GroupModeAll     GroupMode = "all"
	GroupModeGrouped GroupMode = "grouped"
	GroupModeBoth    GroupMode = "both"
)

// DefaultMaxTerms bounds the term count when no explicit limit is configured.
const DefaultMaxTerms = 20

const maxCourseNumber = 9999

var subjectPattern = regexp.MustCompile(`^[A-Za-z]{2,4}$`)

// CourseRange is a closed interval of course numbers, serialised as a
// two-element JSON array [lower, upper].
type CourseRange struct {
	Lower int
	Upper int
}

// Contains reports whether n falls inside the range.
func (r CourseRange) Contains(n int) bool {
	return r.Lower <= n && n <= r.Upper
}

// MarshalJSON encodes the range as [lower, upper].
func (r CourseRange) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{r.Lower, r.Upper})
}

// UnmarshalJSON decodes a [lower, upper] pair.
func (r *CourseRange) UnmarshalJSON(data []byte) error {
	var pair []int
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("course range must be a pair of integers: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("course range must contain exactly 2 integers, got %d", len(pair))
	}
	r.Lower, r.Upper = pair[0], pair[1]
	return nil
}

// Query is the validated input to an enrollment job. Immutable once a job
// has been created from it.
type Query struct {
	NumTerms   int           `json:"num_terms"`
	Subjects   []string      `json:"subjects"`
	Ranges     []CourseRange `json:"ranges"`
	SkipSummer bool          `json:"skip_summer"`
	GroupMode  GroupMode     `json:"group_data"`
}

// Normalize uppercases subject codes so filtering is case-insensitive and
// defaults the group mode.
func (q *Query) Normalize() {
	for i, s := range q.Subjects {
		q.Subjects[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if q.GroupMode == "" {
		q.GroupMode = GroupModeAll
	}
}

// Validate checks bounds and shapes. maxTerms <= 0 falls back to
// DefaultMaxTerms.
func (q Query) Validate(maxTerms int) error {
	if maxTerms <= 0 {
		maxTerms = DefaultMaxTerms
	}
	if q.NumTerms < 1 {
		return fmt.Errorf("num_terms must be at least 1, got %d", q.NumTerms)
	}
	if q.NumTerms > maxTerms {
		return fmt.Errorf("num_terms must not exceed %d, got %d", maxTerms, q.NumTerms)
	}
	for i, s := range q.Subjects {
		if !subjectPattern.MatchString(strings.TrimSpace(s)) {
			return fmt.Errorf("subject %d (%q) is not a valid subject code (expected 2-4 letters)", i+1, s)
		}
	}
	for i, r := range q.Ranges {
		if r.Lower < 0 || r.Upper < 0 {
			return fmt.Errorf("range %d bounds must be non-negative", i+1)
		}
		if r.Lower > r.Upper {
			return fmt.Errorf("range %d lower bound (%d) exceeds upper bound (%d)", i+1, r.Lower, r.Upper)
		}
		if r.Upper > maxCourseNumber {
			return fmt.Errorf("range %d upper bound (%d) exceeds course number range", i+1, r.Upper)
		}
	}
	switch q.GroupMode {
	case GroupModeAll, GroupModeGrouped, GroupModeBoth:
	default:
		return fmt.Errorf("group_data must be one of %q, %q or %q", GroupModeAll, GroupModeGrouped, GroupModeBoth)
	}
	return nil
}

// Matches reports whether a course with the given subject and number passes
// the query filters. Empty subjects/ranges mean "all".
func (q Query) Matches(subject string, number int) bool {
	if len(q.Subjects) > 0 {
		found := false
		upper := strings.ToUpper(subject)
		for _, s := range q.Subjects {
			if s == upper {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(q.Ranges) == 0 {
		return true
	}
	for _, r := range q.Ranges {
		if r.Contains(number) {
			return true
		}
	}
	return false
}

// Value marshals the query to JSON for persistence.
func (q Query) Value() (driver.Value, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal enrollment query: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the query struct.
func (q *Query) Scan(value interface{}) error {
	if value == nil {
		*q = Query{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for enrollment query", value)
	}
	if len(data) == 0 {
		*q = Query{}
		return nil
	}
	if err := json.Unmarshal(data, q); err != nil {
		return fmt.Errorf("unmarshal enrollment query: %w", err)
	}
	return nil
}

// Record is one scheduled section-term result row. Numeric fields are nil
// when the upstream source does not report them; they are never coerced to
// zero.
type Record struct {
	Term                     string   `json:"term"`
	Subject                  string   `json:"subject"`
	Course                   string   `json:"course"`
	CRN                      string   `json:"crn"`
	Section                  string   `json:"section"`
	StartTime                string   `json:"start_time"`
	EndTime                  string   `json:"end_time"`
	Days                     string   `json:"days"`
	Building                 string   `json:"building"`
	BuildingCode             string   `json:"building_code"`
	Room                     string   `json:"room"`
	RoomCapacity             *int     `json:"room_capacity"`
	PrimaryInstructors       string   `json:"primary_instructors"`
	AdditionalInstructors    string   `json:"additional_instructors"`
	EnrollmentActual         *int     `json:"enrollment_actual"`
	EnrollmentMaximum        *int     `json:"enrollment_maximum"`
	EnrollmentSeatsAvailable *int     `json:"enrollment_seats_available"`
	WaitlistCapacity         *int     `json:"waitlist_capacity"`
	WaitlistActual           *int     `json:"waitlist_actual"`
	WaitlistSeatsAvailable   *int     `json:"waitlist_seats_available"`
	Loss                     *float64 `json:"loss"`
}

// ComputeLoss derives the room utilisation loss ratio 1 - actual/capacity.
// Loss stays nil when the capacity is unknown or zero.
func (r *Record) ComputeLoss() {
	if r.RoomCapacity == nil || *r.RoomCapacity <= 0 {
		r.Loss = nil
		return
	}
	actual := 0
	if r.EnrollmentActual != nil {
		actual = *r.EnrollmentActual
	}
	loss := 1.0 - float64(actual)/float64(*r.RoomCapacity)
	r.Loss = &loss
}
