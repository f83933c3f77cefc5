// Package letterboxd reads the diary and ratings CSV files from a Letterboxd
// account export.
package letterboxd

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"movie-history-sync/internal/models"
	"movie-history-sync/internal/provider"
)

const dateLayout = "2006-01-02"

// Kind selects which export a file holds.
type Kind int

const (
	Diary Kind = iota
	Ratings
)

// Export is a provider.Source over one uploaded file.
type Export struct {
	path string
	kind Kind
}

var _ provider.Source = (*Export)(nil)

// NewDiary reads diary.csv (or watched.csv, which lacks the Watched Date column).
func NewDiary(path string) *Export {
	return &Export{path: path, kind: Diary}
}

// NewRatings reads ratings.csv.
func NewRatings(path string) *Export {
	return &Export{path: path, kind: Ratings}
}

// Validate parses the whole file so a bad upload is rejected before a job exists.
func (e *Export) Validate(ctx context.Context) error {
	for _, err := range e.FetchActivity(ctx, nil) {
		if err != nil {
			return err
		}
	}
	return nil
}

// FetchActivity streams the file's rows. The cursor is ignored.
func (e *Export) FetchActivity(ctx context.Context, _ *time.Time) iter.Seq2[models.RawActivityRecord, error] {
	return func(yield func(models.RawActivityRecord, error) bool) {
		f, err := os.Open(e.path)
		if err != nil {
			yield(models.RawActivityRecord{}, fmt.Errorf("open export: %w", err))
			return
		}
		defer f.Close()

		parse, required := parseDiary, []string{"name", "year", "date"}
		if e.kind == Ratings {
			parse, required = parseRating, []string{"name", "year", "rating"}
		}

		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
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

// columns maps header names onto lookup keys. "Watched Date" wins over the
// diary entry's logging "Date".
func columns(header []string) map[string]int {
	cols := map[string]int{}
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))) {
		case "name":
			cols["name"] = i
		case "year":
			cols["year"] = i
		case "rating":
			cols["rating"] = i
		case "watched date":
			cols["date"] = i
		case "date":
			if _, ok := cols["date"]; !ok {
				cols["date"] = i
			}
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

func parseYear(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	year, err := strconv.Atoi(s)
	if err != nil || year < 0 {
		return 0, fmt.Errorf("unreadable year %q", s)
	}
	return year, nil
}

func parseDiary(row []string, cols map[string]int) (models.RawActivityRecord, bool, error) {
	name := field(row, cols, "name")
	if name == "" {
		return models.RawActivityRecord{}, false, nil
	}
	year, err := parseYear(field(row, cols, "year"))
	if err != nil {
		return models.RawActivityRecord{}, false, err
	}
	watched, err := time.Parse(dateLayout, field(row, cols, "date"))
	if err != nil {
		return models.RawActivityRecord{}, false, fmt.Errorf("unreadable date %q", field(row, cols, "date"))
	}
	return models.RawActivityRecord{ExternalTitle: name, Year: year, WatchedAt: &watched}, true, nil
}

func parseRating(row []string, cols map[string]int) (models.RawActivityRecord, bool, error) {
	name := field(row, cols, "name")
	if name == "" {
		return models.RawActivityRecord{}, false, nil
	}
	year, err := parseYear(field(row, cols, "year"))
	if err != nil {
		return models.RawActivityRecord{}, false, err
	}
	rating, ok, err := StarsToRating(field(row, cols, "rating"))
	if err != nil || !ok {
		return models.RawActivityRecord{}, false, err
	}
	return models.RawActivityRecord{ExternalTitle: name, Year: year, ProviderRating: &rating}, true, nil
}

// StarsToRating maps half-star ratings from 0.5 to 5 onto the 1-10 scale.
// Blank cells report ok=false.
func StarsToRating(v string) (rating int, ok bool, err error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false, nil
	}
	stars, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("unreadable rating %q", v)
	}
	doubled := stars * 2
	if doubled != math.Trunc(doubled) || doubled < 1 || doubled > 10 {
		return 0, false, fmt.Errorf("rating %q is not a half-star value between 0.5 and 5", v)
	}
	return int(doubled), true, nil
}
