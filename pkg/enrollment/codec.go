package enrollment

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
)

// Header labels are the canonical, human-readable column names of the
// delimited-text payload. Their order is the encode order; decode learns the
// order from the header row instead.
var headerLabels = []string{
	"Term",
	"Subject",
	"Course",
	"CRN",
	"Section",
	"Start Time",
	"End Time",
	"Days",
	"Building",
	"Building Code",
	"Room",
	"Room Capacity",
	"Primary Instructor(s)",
	"Additional Instructor(s)",
	"Enrollment Actual",
	"Enrollment Maximum",
	"Enrollment Seats Available",
	"Waitlist Capacity",
	"Waitlist Actual",
	"Waitlist Seats Available",
	"Loss",
}

// HeaderLabels returns a copy of the canonical column labels.
func HeaderLabels() []string {
	out := make([]string, len(headerLabels))
	copy(out, headerLabels)
	return out
}

// Encode renders the records as delimited text: one header row of canonical
// labels followed by one row per record. Nil numeric fields encode as empty
// fields. Record order is preserved.
func Encode(records []Record) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	if err := w.Write(headerLabels); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for _, rec := range records {
		if err := w.Write(encodeRow(rec)); err != nil {
			return nil, fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeRow(rec Record) []string {
	return []string{
		rec.Term,
		rec.Subject,
		rec.Course,
		rec.CRN,
		rec.Section,
		rec.StartTime,
		rec.EndTime,
		rec.Days,
		rec.Building,
		rec.BuildingCode,
		rec.Room,
		formatInt(rec.RoomCapacity),
		rec.PrimaryInstructors,
		rec.AdditionalInstructors,
		formatInt(rec.EnrollmentActual),
		formatInt(rec.EnrollmentMaximum),
		formatInt(rec.EnrollmentSeatsAvailable),
		formatInt(rec.WaitlistCapacity),
		formatInt(rec.WaitlistActual),
		formatInt(rec.WaitlistSeatsAvailable),
		formatFloat(rec.Loss),
	}
}

// Decode is the exact inverse of Encode. It learns the column order from the
// header row and maps each label back to its record field. Numeric fields
// parse strictly: an empty field decodes to nil, non-numeric content marks
// the row malformed. Malformed rows (bad numerics or a column count that does
// not match the header) are skipped; one corrupt row never aborts the decode.
func Decode(data []byte) ([]Record, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse delimited text: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("missing header row")
	}

	header := rows[0]
	index := make(map[string]int, len(header))
	for i, label := range header {
		index[strings.TrimSpace(label)] = i
	}

	records := make([]Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) != len(header) {
			continue
		}
		rec, ok := decodeRow(row, index)
		if !ok {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeRow(row []string, index map[string]int) (Record, bool) {
	var rec Record
	ok := true

	text := func(label string) string {
		if i, found := index[label]; found {
			return row[i]
		}
		return ""
	}
	num := func(label string) *int {
		i, found := index[label]
		if !found {
			return nil
		}
		v, err := parseOptionalInt(row[i])
		if err != nil {
			ok = false
			return nil
		}
		return v
	}

	rec.Term = text("Term")
	rec.Subject = text("Subject")
	rec.Course = text("Course")
	rec.CRN = text("CRN")
	rec.Section = text("Section")
	rec.StartTime = text("Start Time")
	rec.EndTime = text("End Time")
	rec.Days = text("Days")
	rec.Building = text("Building")
	rec.BuildingCode = text("Building Code")
	rec.Room = text("Room")
	rec.RoomCapacity = num("Room Capacity")
	rec.PrimaryInstructors = text("Primary Instructor(s)")
	rec.AdditionalInstructors = text("Additional Instructor(s)")
	rec.EnrollmentActual = num("Enrollment Actual")
	rec.EnrollmentMaximum = num("Enrollment Maximum")
	rec.EnrollmentSeatsAvailable = num("Enrollment Seats Available")
	rec.WaitlistCapacity = num("Waitlist Capacity")
	rec.WaitlistActual = num("Waitlist Actual")
	rec.WaitlistSeatsAvailable = num("Waitlist Seats Available")

	if i, found := index["Loss"]; found {
		v, err := parseOptionalFloat(row[i])
		if err != nil {
			ok = false
		} else {
			rec.Loss = v
		}
	}

	return rec, ok
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func parseOptionalInt(raw string) (*int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func parseOptionalFloat(raw string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
