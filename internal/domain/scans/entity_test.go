package scans

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityTierOrder(t *testing.T) {
	assert.Greater(t, PriorityUrgent.Tier(), PriorityHigh.Tier())
	assert.Greater(t, PriorityHigh.Tier(), PriorityMedium.Tier())
	assert.Greater(t, PriorityMedium.Tier(), PriorityLow.Tier())
	assert.Less(t, Priority("whenever").Tier(), PriorityLow.Tier())
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority(" Urgent ")
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, p)

	_, err = ParsePriority("asap")
	assert.Error(t, err)
}

func TestParseType(t *testing.T) {
	cases := map[string]Type{
		"X-Ray":      TypeXRay,
		"xray":       TypeXRay,
		"CT":         TypeCT,
		"mri":        TypeMRI,
		"us":         TypeUltrasound,
		"Ultrasound": TypeUltrasound,
		"pet":        TypePET,
		"other":      TypeOther,
	}
	for in, want := range cases {
		got, err := ParseType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseType("sonar")
	assert.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusFailed, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusCompleted, StatusProcessing, true},
		{StatusProcessing, StatusProcessing, false},
		{StatusCompleted, StatusArchived, true},
		{StatusProcessing, StatusArchived, true},
		{StatusArchived, StatusPending, false},
		{StatusArchived, StatusProcessing, false},
		{StatusArchived, StatusArchived, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestUpdateApplyLeavesStatus(t *testing.T) {
	s := &Scan{Status: StatusProcessing, Priority: PriorityLow, BodyRegion: "chest"}
	p := PriorityHigh
	region := "left lung"
	Update{Priority: &p, BodyRegion: &region}.Apply(s)

	assert.Equal(t, PriorityHigh, s.Priority)
	assert.Equal(t, "left lung", s.BodyRegion)
	assert.Equal(t, StatusProcessing, s.Status)
}

func TestImageIndex(t *testing.T) {
	s := &Scan{ImagePaths: []string{"a.png", "b.png"}}
	p, ok := s.Image(1)
	assert.True(t, ok)
	assert.Equal(t, "b.png", p)
	_, ok = s.Image(2)
	assert.False(t, ok)
	_, ok = s.Image(-1)
	assert.False(t, ok)
}

func TestPaginate(t *testing.T) {
	all := []*Scan{{ID: "1"}, {ID: "2"}, {ID: "3"}}

	p := Paginate(all, 2, 2)
	require.Len(t, p.Data, 1)
	assert.Equal(t, ScanID("3"), p.Data[0].ID)
	assert.Equal(t, 2, p.TotalPages)
	assert.EqualValues(t, 3, p.Total)

	assert.Empty(t, Paginate(all, 5, 2).Data)
	assert.Len(t, Paginate(all, 0, 0).Data, 3)
}

func TestPaginateHugeInput(t *testing.T) {
	all := []*Scan{{ID: "1"}, {ID: "2"}, {ID: "3"}}

	p := Paginate(all, 100000000000000000, 100)
	assert.Empty(t, p.Data)
	assert.EqualValues(t, 3, p.Total)
	assert.Equal(t, 1, p.TotalPages)

	p = Paginate(all, math.MaxInt, math.MaxInt)
	assert.Empty(t, p.Data)

	p = Paginate(all, 1, math.MaxInt)
	assert.Len(t, p.Data, 3)
	assert.Equal(t, 1, p.TotalPages)

	assert.Equal(t, 0, Paginate(nil, 1, 20).TotalPages)
}
