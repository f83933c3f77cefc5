package netflix

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movie-history-sync/internal/models"
	"movie-history-sync/internal/provider"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func collect(t *testing.T, src provider.Source) ([]models.RawActivityRecord, error) {
	t.Helper()
	var out []models.RawActivityRecord
	for rec, err := range src.FetchActivity(context.Background(), nil) {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func TestHistoryExport(t *testing.T) {
	path := writeFile(t, "\ufeffTitle,Date\n"+
		"\"Inception\",\"1/5/23\"\n"+
		"\"Dark: Season 1: Secrets\",\"1/6/23\"\n"+
		"\"Kill Bill: Vol. 1\",\"12/24/2022\"\n"+
		"\"Inception\",\"1/5/23\"\n")

	recs, err := collect(t, NewHistory(path, MonthDayYear))
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, "Inception", recs[0].ExternalTitle)
	assert.Equal(t, time.Date(2023, 1, 5, 0, 0, 0, 0, time.UTC), *recs[0].WatchedAt)
	assert.Equal(t, "Kill Bill: Vol. 1", recs[1].ExternalTitle)
	assert.Equal(t, time.Date(2022, 12, 24, 0, 0, 0, 0, time.UTC), *recs[1].WatchedAt)
	assert.Nil(t, recs[0].ProviderID)
}

func TestHistoryExportDayFirst(t *testing.T) {
	path := writeFile(t, "Title,Date\nAmélie,13/02/2021\n")
	recs, err := collect(t, NewHistory(path, DayMonthYear))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, time.Date(2021, 2, 13, 0, 0, 0, 0, time.UTC), *recs[0].WatchedAt)

	_, err = collect(t, NewHistory(path, MonthDayYear))
	assert.ErrorIs(t, err, provider.ErrInvalidImportFile, "month 13 is rejected")
}

func TestHistoryExportInvalid(t *testing.T) {
	tests := map[string]string{
		"empty":          "",
		"missing column": "Title,Duration\nInception,2:28:00\n",
		"bad date":       "Title,Date\nInception,yesterday\n",
		"quote":          "Title,Date\n\"Inception,1/5/23\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			err := NewHistory(writeFile(t, content), MonthDayYear).Validate(context.Background())
			assert.ErrorIs(t, err, provider.ErrInvalidImportFile)
		})
	}
}

func TestRatingsExport(t *testing.T) {
	path := writeFile(t, "Profile Name,Title Name,Thumbs Value,Event Utc Ts\n"+
		"me,Inception,3,2023-01-05 20:00:00\n"+
		"me,Cats,1,2023-01-06 20:00:00\n"+
		"me,The Room,0,2023-01-06 21:00:00\n"+
		"me,Dune,2,2023-01-07 20:00:00\n")

	recs, err := collect(t, NewRatings(path))
	require.NoError(t, err)
	require.Len(t, recs, 3)
	got := map[string]int{}
	for _, r := range recs {
		got[r.ExternalTitle] = *r.ProviderRating
		assert.Nil(t, r.WatchedAt)
	}
	assert.Equal(t, map[string]int{"Inception": 10, "Cats": 1, "Dune": 7}, got)
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2023-01-05", YearMonthDay)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 1, 5, 0, 0, 0, 0, time.UTC), d)

	d, err = ParseDate("5.1.99", DayMonthYear)
	require.NoError(t, err)
	assert.Equal(t, 2099, d.Year(), "two-digit years are this century")

	_, err = ParseDate("2/30/2023", MonthDayYear)
	assert.Error(t, err)
	_, err = ParseDate("1/5/123", MonthDayYear)
	assert.Error(t, err)
}

func TestParseDateFormat(t *testing.T) {
	f, err := ParseDateFormat("")
	require.NoError(t, err)
	assert.Equal(t, MonthDayYear, f)

	f, err = ParseDateFormat("D/M/Y")
	require.NoError(t, err)
	assert.Equal(t, DayMonthYear, f)

	_, err = ParseDateFormat("dd.mm")
	assert.ErrorIs(t, err, provider.ErrInvalidImportFile)
}

func TestIsEpisode(t *testing.T) {
	assert.True(t, IsEpisode("Breaking Bad: Season 1: Pilot"))
	assert.True(t, IsEpisode("Chernobyl: Miniseries: 1:23:45"))
	assert.False(t, IsEpisode("Mission: Impossible"))
	assert.False(t, IsEpisode("Star Wars: Episode IV"))
	assert.False(t, IsEpisode("Inception"))
}
