package snapshot

import (
	"testing"
	"time"
	_ "time/tzdata"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindow_Labels(t *testing.T) {
	w := NewWindow(time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC), 5)

	assert.Equal(t, "2024-03-10", w.Current())
	assert.Equal(t, "2024-03-09", w.PreviousCandidate(1))
	assert.Equal(t, "2024-03-05", w.OldestLabel())
	assert.Equal(t, []string{
		"2024-03-09",
		"2024-03-08",
		"2024-03-07",
		"2024-03-06",
		"2024-03-05",
	}, w.Candidates())
}

func TestWindow_CandidatesAreStrictlyIncreasingOffsets(t *testing.T) {
	for keep := 1; keep <= 40; keep++ {
		w := NewWindow(time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC), keep)
		candidates := w.Candidates()
		require.Len(t, candidates, keep)

		for i, label := range candidates {
			age, ok := w.Age(label)
			require.True(t, ok)
			assert.Equal(t, i+1, age, "keep=%d index=%d", keep, i)
		}
		assert.Equal(t, candidates[keep-1], w.OldestLabel())
	}
}

func TestWindow_CrossesMonthAndYearBoundaries(t *testing.T) {
	w := NewWindow(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), 3)

	assert.Equal(t, "2024-01-01", w.PreviousCandidate(1))
	assert.Equal(t, "2023-12-31", w.PreviousCandidate(2))
	assert.Equal(t, "2023-12-30", w.OldestLabel())

	leap := NewWindow(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 1)
	assert.Equal(t, "2024-02-29", leap.OldestLabel())
}

func TestWindow_DSTTransitions(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	tests := []struct {
		name     string
		now      time.Time
		current  string
		previous string
	}{
		{
			name:     "just after spring forward",
			now:      time.Date(2024, 3, 10, 3, 5, 0, 0, loc),
			current:  "2024-03-10",
			previous: "2024-03-09",
		},
		{
			name:     "just after midnight the day after spring forward",
			now:      time.Date(2024, 3, 11, 0, 10, 0, 0, loc),
			current:  "2024-03-11",
			previous: "2024-03-10",
		},
		{
			name:     "late evening on fall back day",
			now:      time.Date(2024, 11, 3, 23, 50, 0, 0, loc),
			current:  "2024-11-03",
			previous: "2024-11-02",
		},
		{
			name:     "just after midnight the day after fall back",
			now:      time.Date(2024, 11, 4, 0, 5, 0, 0, loc),
			current:  "2024-11-04",
			previous: "2024-11-03",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWindow(tt.now, 2)
			assert.Equal(t, tt.current, w.Current())
			assert.Equal(t, tt.previous, w.PreviousCandidate(1))
		})
	}
}

func TestWindowFor_UsesClock(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.Local)
	w := WindowFor(FixedClock(now), 7)

	assert.Equal(t, civil.Date{Year: 2024, Month: time.June, Day: 15}, w.Today)
	assert.Equal(t, 7, w.Keep)
}

func TestParseLabel(t *testing.T) {
	d, err := ParseLabel("2024-03-07")
	require.NoError(t, err)
	assert.Equal(t, civil.Date{Year: 2024, Month: time.March, Day: 7}, d)

	_, err = ParseLabel("manual-before-upgrade")
	assert.Error(t, err)

	w := NewWindow(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), 5)
	_, ok := w.Age("weekly")
	assert.False(t, ok)
}

func TestNameAndSplitName(t *testing.T) {
	assert.Equal(t, "tank/data@2024-03-10", Name("tank/data", "2024-03-10"))

	dataset, label, ok := SplitName("tank/data@2024-03-10")
	require.True(t, ok)
	assert.Equal(t, "tank/data", dataset)
	assert.Equal(t, "2024-03-10", label)

	_, _, ok = SplitName("tank/data")
	assert.False(t, ok)
	_, _, ok = SplitName("tank/data@")
	assert.False(t, ok)
}

func TestValidateDataset(t *testing.T) {
	tests := []struct {
		name    string
		dataset string
		wantErr bool
	}{
		{name: "pool", dataset: "tank", wantErr: false},
		{name: "nested", dataset: "tank/vm/db-01", wantErr: false},
		{name: "with colon and dot", dataset: "backup/host.example:data", wantErr: false},
		{name: "empty", dataset: "", wantErr: true},
		{name: "snapshot name", dataset: "tank@2024-03-10", wantErr: true},
		{name: "bookmark name", dataset: "tank#mark", wantErr: true},
		{name: "leading slash", dataset: "/tank", wantErr: true},
		{name: "trailing slash", dataset: "tank/", wantErr: true},
		{name: "double slash", dataset: "tank//data", wantErr: true},
		{name: "shell metacharacters", dataset: "tank;rm -rf /", wantErr: true},
		{name: "quote", dataset: "tank/'x'", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDataset(tt.dataset)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
