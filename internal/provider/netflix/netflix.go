// Package netflix reads the viewing-activity and ratings CSV exports a user
// downloads from their Netflix account.
package netflix

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"movie-history-sync/internal/models"
	"movie-history-sync/internal/provider"
)

// DateFormat is the order of day, month and year in the export's Date column.
// It follows the account's locale and is chosen by the user.
type DateFormat string

const (
	MonthDayYear DateFormat = "m/d/y"
	DayMonthYear DateFormat = "d/m/y"
	YearMonthDay DateFormat = "y-m-d"
)

// ParseDateFormat validates a user supplied format. Empty means MonthDayYear.
func ParseDateFormat(s string) (DateFormat, error) {
	switch f := DateFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return MonthDayYear, nil
	case MonthDayYear, DayMonthYear, YearMonthDay:
		return f, nil
	}
	return "", fmt.Errorf("%w: unsupported date format %q", provider.ErrInvalidImportFile, s)
}

// Kind selects which export a file holds.
type Kind int

const (
	ViewingHistory Kind = iota
	Ratings
)

// Export is a provider.Source over one uploaded file.
type Export struct {
	path   string
	kind   Kind
	format DateFormat
}

var _ provider.Source = (*Export)(nil)

// NewHistory reads a ViewingActivity.csv export.
func NewHistory(path string, format DateFormat) *Export {
	return &Export{path: path, kind: ViewingHistory, format: format}
}

// NewRatings reads a Ratings.csv export.
func NewRatings(path string) *Export {
	return &Export{path: path, kind: Ratings}
}

// Validate parses the whole file without yielding anything so uploads can be
// rejected before a job is created.
func (e *Export) Validate(ctx context.Context) error {
	for _, err := range e.FetchActivity(ctx, nil) {
		if err != nil {
			return err
		}
	}
	return nil
}

// FetchActivity streams the file's movie rows. Exports are one-shot, so the
// cursor is ignored. TV episodes are skipped.
func (e *Export) FetchActivity(ctx context.Context, _ *time.Time) iter.Seq2[models.RawActivityRecord, error] {
	return func(yield func(models.RawActivityRecord, error) bool) {
		f, err := os.Open(e.path)
		if err != nil {
			yield(models.RawActivityRecord{}, fmt.Errorf("open export: %w", err))
			return
		}
		defer f.Close()

		var parse func([]string, map[string]int) (models.RawActivityRecord, bool, error)
		var required []string
		switch e.kind {
		case Ratings:
			parse, required = e.parseRating, []string{"title", "rating"}
		default:
			parse, required = e.parseHistory, []string{"title", "date"}
		}

		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
		r.TrimLeadingSpace = true
		header, err := r.Read()
		if errors.Is(err, io.EOF) {
			yield(models.RawActivityRecord{}, fmt.Errorf("%w: file is empty", provider.ErrInvalidImportFile))
			return
		}
		if err != nil {
			yield(models.RawActivityRecord{}, fmt.Errorf("%w: %v", provider.ErrInvalidImportFile, err))
			return
		}
		cols := columns(header)
		for _, c := range required {
			if _, ok := cols[c]; !ok {
				yield(models.RawActivityRecord{}, fmt.Errorf("%w: missing %s column", provider.ErrInvalidImportFile, c))
				return
			}
		}

		for line := 2; ; line++ {
			if err := ctx.Err(); err != nil {
				yield(models.RawActivityRecord{}, err)
				return
			}
			row, err := r.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(models.RawActivityRecord{}, fmt.Errorf("%w: line %d: %v", provider.ErrInvalidImportFile, line, err))
				return
			}
			rec, ok, err := parse(row, cols)
			if err != nil {
				yield(models.RawActivityRecord{}, fmt.Errorf("%w: line %d: %v", provider.ErrInvalidImportFile, line, err))
				return
			}
			if !ok {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// columns maps the export's header names onto the names parsers look up.
func columns(header []string) map[string]int {
	cols := map[string]int{}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		switch h {
		case "title", "title name":
			cols["title"] = i
		case "date", "start time":
			if _, ok := cols["date"]; !ok {
				cols["date"] = i
			}
		case "rating", "thumbs value":
			cols["rating"] = i
		}
	}
	return cols
}

func field(row []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (e *Export) parseHistory(row []string, cols map[string]int) (models.RawActivityRecord, bool, error) {
	title := field(row, cols, "title")
	if title == "" || IsEpisode(title) {
		return models.RawActivityRecord{}, false, nil
	}
	watched, err := ParseDate(field(row, cols, "date"), e.format)
	if err != nil {
		return models.RawActivityRecord{}, false, err
	}
	return models.RawActivityRecord{ExternalTitle: title, WatchedAt: &watched}, true, nil
}

func (e *Export) parseRating(row []string, cols map[string]int) (models.RawActivityRecord, bool, error) {
	title := field(row, cols, "title")
	if title == "" || IsEpisode(title) {
		return models.RawActivityRecord{}, false, nil
	}
	rating, ok, err := ThumbsToRating(field(row, cols, "rating"))
	if err != nil || !ok {
		return models.RawActivityRecord{}, false, err
	}
	return models.RawActivityRecord{ExternalTitle: title, ProviderRating: &rating}, true, nil
}

var episodeTitle = regexp.MustCompile(`(?i)^[^:]+:\s*(season|series|limited series|miniseries|part|volume|chapter|book|collection|episode)\b[^:]*:`)

// IsEpisode reports whether a history title names a TV episode, e.g.
// "Dark: Season 1: Secrets". "Kill Bill: Vol. 1" is a movie.
func IsEpisode(title string) bool {
	return episodeTitle.MatchString(title)
}

var dateParts = regexp.MustCompile(`\d+`)

// ParseDate reads a Netflix date with 2- or 4-digit years in the given order.
func ParseDate(s string, format DateFormat) (time.Time, error) {
	parts := dateParts.FindAllString(s, -1)
	if len(parts) < 3 {
		return time.Time{}, fmt.Errorf("unreadable date %q", s)
	}
	var y, m, d string
	switch format {
	case DayMonthYear:
		d, m, y = parts[0], parts[1], parts[2]
	case YearMonthDay:
		y, m, d = parts[0], parts[1], parts[2]
	default:
		m, d, y = parts[0], parts[1], parts[2]
	}
	year, _ := strconv.Atoi(y)
	month, _ := strconv.Atoi(m)
	day, _ := strconv.Atoi(d)
	switch len(y) {
	case 2:
		year += 2000
	case 4:
	default:
		return time.Time{}, fmt.Errorf("unreadable year in %q", s)
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, fmt.Errorf("date %q does not match format %s", s, format)
	}
	return t, nil
}

// ThumbsToRating maps Netflix thumbs onto the 1-10 scale: down 1, up 7,
// two thumbs up 10. Unrated rows report ok=false.
func ThumbsToRating(v string) (rating int, ok bool, err error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0":
		return 0, false, nil
	case "1", "thumbs down", "down":
		return 1, true, nil
	case "2", "thumbs up", "up":
		return 7, true, nil
	case "3", "two thumbs up", "love":
		return 10, true, nil
	}
	return 0, false, fmt.Errorf("unknown thumbs value %q", v)
}
