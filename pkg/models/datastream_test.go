package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslationUnitValidate(t *testing.T) {
	unit := TranslationUnit{
		Channel:  0,
		Position: 7,
		Memory:   1,
		Source:   "hello world",
		Target:   "hallo welt",
		Alignment: Alignment{
			{Source: 0, Target: 0},
			{Source: 1, Target: 1},
		},
	}
	require.NoError(t, unit.Validate())
}

func TestTranslationUnitValidate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		unit TranslationUnit
	}{
		{
			name: "zero memory id",
			unit: TranslationUnit{Memory: 0, Source: "a", Target: "b"},
		},
		{
			name: "negative memory id",
			unit: TranslationUnit{Memory: -3, Source: "a", Target: "b"},
		},
		{
			name: "empty source",
			unit: TranslationUnit{Memory: 1, Source: "   ", Target: "b"},
		},
		{
			name: "empty target",
			unit: TranslationUnit{Memory: 1, Source: "a", Target: ""},
		},
		{
			name: "alignment source out of bounds",
			unit: TranslationUnit{
				Memory: 1, Source: "a b", Target: "x",
				Alignment: Alignment{{Source: 2, Target: 0}},
			},
		},
		{
			name: "alignment target negative",
			unit: TranslationUnit{
				Memory: 1, Source: "a", Target: "x",
				Alignment: Alignment{{Source: 0, Target: -1}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.unit.Validate())
		})
	}
}

func TestDeletionValidate(t *testing.T) {
	d := Deletion{Channel: 1, Position: 4, Memory: 9}
	require.NoError(t, d.Validate())

	d.Memory = 0
	assert.Error(t, d.Validate())
}

func TestAlignmentString(t *testing.T) {
	a := Alignment{{Source: 0, Target: 0}, {Source: 1, Target: 2}}
	assert.Equal(t, "0-0 1-2", a.String())
	assert.Equal(t, "", Alignment{}.String())
}

func TestTranslationTop(t *testing.T) {
	empty := Translation{}
	assert.Equal(t, "", empty.Top())

	tr := Translation{Hypotheses: []Hypothesis{{Text: "best"}, {Text: "second"}}}
	assert.Equal(t, "best", tr.Top())
}
