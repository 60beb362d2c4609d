package compute

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/gt-insights/enrollment-api/pkg/errors"

	"github.com/gt-insights/enrollment-api/pkg/enrollment"
)

// ProgressFunc reports compute progress. done counts finished terms out of
// total; message is a short human-readable phase description.
type ProgressFunc func(done, total int, message string)

// Computer produces the result rows for one query. The returned string is
// the suggested download filename.
type Computer interface {
	Compute(ctx context.Context, query enrollment.Query, progress ProgressFunc) ([]enrollment.Record, string, error)
}

// TermSource supplies upstream term and seat data.
type TermSource interface {
	FetchTerms(ctx context.Context, n int, skipSummer bool) ([]string, error)
	FetchTermData(ctx context.Context, term string) (*TermData, error)
	FetchSeatCounts(ctx context.Context, term string, crns []string) map[string]SeatCounts
}

// CapacitySource supplies room capacities and building code mappings.
type CapacitySource interface {
	LoadAll(ctx context.Context) (map[string]int, error)
	LoadBuildingCodes(ctx context.Context) (map[string]string, error)
}

var courseCodePattern = regexp.MustCompile(`^([A-Za-z]+)\s+(\d+)(\D*)$`)

// Processor implements Computer over the live scheduler feeds. Terms that
// fail to fetch or match nothing are skipped; the run only fails when no
// term yields data at all.
type Processor struct {
	source     TermSource
	capacities CapacitySource
	logger     *zap.Logger
}

// NewProcessor constructs a processor.
func NewProcessor(source TermSource, capacities CapacitySource, logger *zap.Logger) *Processor {
	return &Processor{source: source, capacities: capacities, logger: logger}
}

// Compute runs the full pipeline: term selection, per-term record building,
// capacity join, loss, and optional cross-listing merge.
func (p *Processor) Compute(ctx context.Context, query enrollment.Query, progress ProgressFunc) ([]enrollment.Record, string, error) {
	if progress == nil {
		progress = func(int, int, string) {}
	}

	terms, err := p.source.FetchTerms(ctx, query.NumTerms, query.SkipSummer)
	if err != nil {
		return nil, "", err
	}

	caps, codes := p.loadRoomData(ctx)

	total := len(terms)
	var records []enrollment.Record
	var updatedAt string
	for i, term := range terms {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		label := TermLabel(term)
		progress(i, total, "Processing "+label)

		data, err := p.source.FetchTermData(ctx, term)
		if err != nil {
			p.logger.Warn("skipping term", zap.String("term", label), zap.Error(err))
			continue
		}
		if updatedAt == "" {
			updatedAt = data.UpdatedAt
		}

		termRecords := p.buildTermRecords(ctx, query, data, caps, codes)
		if len(termRecords) == 0 {
			p.logger.Warn("no matching courses in term", zap.String("term", label))
			continue
		}
		records = append(records, termRecords...)
	}
	progress(total, total, "Formatting results")

	if len(records) == 0 {
		return nil, "", apperrors.New("NO_DATA", http.StatusUnprocessableEntity,
			"no course data matched the query filters")
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Term != records[j].Term {
			return records[i].Term < records[j].Term
		}
		if records[i].Course != records[j].Course {
			return records[i].Course < records[j].Course
		}
		return records[i].CRN < records[j].CRN
	})

	filename := suggestedFilename(query.GroupMode, updatedAt)
	switch query.GroupMode {
	case enrollment.GroupModeGrouped:
		return GroupRecords(records), filename, nil
	case enrollment.GroupModeBoth:
		return append(records, GroupRecords(records)...), filename, nil
	default:
		return records, filename, nil
	}
}

func (p *Processor) loadRoomData(ctx context.Context) (map[string]int, map[string]string) {
	caps, err := p.capacities.LoadAll(ctx)
	if err != nil {
		p.logger.Warn("room capacities unavailable, loss will be empty", zap.Error(err))
		caps = map[string]int{}
	}
	codes, err := p.capacities.LoadBuildingCodes(ctx)
	if err != nil {
		p.logger.Warn("building mappings unavailable", zap.Error(err))
		codes = map[string]string{}
	}
	return caps, codes
}

func (p *Processor) buildTermRecords(ctx context.Context, query enrollment.Query, data *TermData, caps map[string]int, codes map[string]string) []enrollment.Record {
	label := TermLabel(data.Term)

	var records []enrollment.Record
	var crns []string
	for course, courseData := range data.Courses {
		match := courseCodePattern.FindStringSubmatch(course)
		if match == nil {
			continue
		}
		subject := match[1]
		number, err := strconv.Atoi(match[2])
		if err != nil {
			continue
		}
		if !query.Matches(subject, number) {
			continue
		}

		for sectionName, section := range courseData.Sections {
			if section.CRN == "" {
				continue
			}
			rec := enrollment.Record{
				Term:    label,
				Subject: subject,
				Course:  course,
				CRN:     section.CRN,
				Section: sectionName,
			}
			if len(section.Meetings) > 0 {
				applyMeeting(&rec, section.Meetings[0], data.Periods)
			}
			if rec.Building != "" {
				rec.BuildingCode = codes[rec.Building]
			}
			if rec.BuildingCode != "" && rec.Room != "" {
				// keyed the same way the capacity repository builds its map
				if seats, ok := caps[rec.BuildingCode+" "+rec.Room]; ok {
					capacity := seats
					rec.RoomCapacity = &capacity
				}
			}
			records = append(records, rec)
			crns = append(crns, section.CRN)
		}
	}
	if len(records) == 0 {
		return nil
	}

	seats := p.source.FetchSeatCounts(ctx, data.Term, crns)
	for i := range records {
		counts := seats[records[i].CRN]
		records[i].EnrollmentActual = counts.EnrollmentActual
		records[i].EnrollmentMaximum = counts.EnrollmentMaximum
		records[i].EnrollmentSeatsAvailable = counts.EnrollmentSeatsAvailable
		records[i].WaitlistCapacity = counts.WaitlistCapacity
		records[i].WaitlistActual = counts.WaitlistActual
		records[i].WaitlistSeatsAvailable = counts.WaitlistSeatsAvailable
		records[i].ComputeLoss()
	}
	return records
}

func applyMeeting(rec *enrollment.Record, meeting Meeting, periods []Period) {
	if meeting.PeriodIndex >= 0 && meeting.PeriodIndex < len(periods) {
		rec.StartTime = periods[meeting.PeriodIndex].Start
		rec.EndTime = periods[meeting.PeriodIndex].End
	}
	rec.Days = meeting.Days

	if meeting.Location != "" && meeting.Location != "TBA" {
		parts := strings.Fields(meeting.Location)
		if len(parts) > 0 {
			rec.Room = parts[len(parts)-1]
			rec.Building = strings.Join(parts[:len(parts)-1], " ")
		}
	}

	var primary, additional []string
	for _, instructor := range meeting.Instructors {
		if strings.Contains(instructor, "(P)") {
			primary = append(primary, strings.TrimSpace(strings.TrimSuffix(instructor, " (P)")))
		} else {
			additional = append(additional, instructor)
		}
	}
	rec.PrimaryInstructors = strings.Join(primary, ", ")
	rec.AdditionalInstructors = strings.Join(additional, ", ")
}

// groupKey identifies rows that share a room and meeting window within a
// term; cross-listed sections collapse onto one key.
type groupKey struct {
	Term         string
	StartTime    string
	EndTime      string
	Days         string
	Building     string
	BuildingCode string
	Room         string
	RoomCapacity int
	HasCapacity  bool
}

// GroupRecords merges cross-listed sections that share a term, room, and
// meeting window. Text fields join unique values in first-seen order;
// enrollment numbers sum, staying nil when no member reported one.
func GroupRecords(records []enrollment.Record) []enrollment.Record {
	groups := make(map[groupKey]*enrollment.Record)
	var order []groupKey

	for _, rec := range records {
		key := groupKey{
			Term:         rec.Term,
			StartTime:    rec.StartTime,
			EndTime:      rec.EndTime,
			Days:         rec.Days,
			Building:     rec.Building,
			BuildingCode: rec.BuildingCode,
			Room:         rec.Room,
		}
		if rec.RoomCapacity != nil {
			key.RoomCapacity = *rec.RoomCapacity
			key.HasCapacity = true
		}

		existing, ok := groups[key]
		if !ok {
			merged := rec
			merged.Section = ""
			groups[key] = &merged
			order = append(order, key)
			continue
		}
		existing.Subject = joinUnique(existing.Subject, rec.Subject)
		existing.Course = joinUnique(existing.Course, rec.Course)
		existing.CRN = joinUnique(existing.CRN, rec.CRN)
		existing.PrimaryInstructors = joinUnique(existing.PrimaryInstructors, rec.PrimaryInstructors)
		existing.AdditionalInstructors = joinUnique(existing.AdditionalInstructors, rec.AdditionalInstructors)
		existing.EnrollmentActual = sumOptional(existing.EnrollmentActual, rec.EnrollmentActual)
		existing.EnrollmentMaximum = sumOptional(existing.EnrollmentMaximum, rec.EnrollmentMaximum)
		existing.EnrollmentSeatsAvailable = sumOptional(existing.EnrollmentSeatsAvailable, rec.EnrollmentSeatsAvailable)
		existing.WaitlistCapacity = sumOptional(existing.WaitlistCapacity, rec.WaitlistCapacity)
		existing.WaitlistActual = sumOptional(existing.WaitlistActual, rec.WaitlistActual)
		existing.WaitlistSeatsAvailable = sumOptional(existing.WaitlistSeatsAvailable, rec.WaitlistSeatsAvailable)
	}

	out := make([]enrollment.Record, 0, len(order))
	for _, key := range order {
		rec := groups[key]
		// loss reflects the combined occupancy of the shared room
		rec.ComputeLoss()
		out = append(out, *rec)
	}
	return out
}

func joinUnique(existing, value string) string {
	if value == "" {
		return existing
	}
	if existing == "" {
		return value
	}
	for _, part := range strings.Split(existing, ", ") {
		if part == value {
			return existing
		}
	}
	return existing + ", " + value
}

func sumOptional(a, b *int) *int {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	sum := *a + *b
	return &sum
}

// suggestedFilename builds the download name from the group mode and the
// upstream data timestamp, e.g. "grouped_enrollment_data_2025-03-01-1430.csv".
func suggestedFilename(mode enrollment.GroupMode, updatedAt string) string {
	stamp := time.Now().UTC()
	if updatedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			stamp = parsed.UTC()
		}
	}
	base := fmt.Sprintf("enrollment_data_%s.csv", stamp.Format("2006-01-02-1504"))
	switch mode {
	case enrollment.GroupModeGrouped:
		return "grouped_" + base
	case enrollment.GroupModeBoth:
		return "combined_" + base
	default:
		return base
	}
}
