package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFilter(t *testing.T) {
	assert.Equal(t, Filter{Key: "k", Op: OpEq, Value: "beach"}, ParseFilter("k", "beach"))
	assert.Equal(t, OpGte, ParseFilter("k", ">=10").Op)
	assert.Equal(t, 10.0, ParseFilter("k", ">= 10").Number)
	assert.Equal(t, OpLt, ParseFilter("k", "<2.5").Op)
	// not a number after the operator: plain equality
	assert.Equal(t, OpEq, ParseFilter("k", ">=abc").Op)
}

func TestMatchFilters(t *testing.T) {
	attrs := map[string]string{"scene": "beach", "latitude": "36.5"}

	assert.True(t, MatchFilters(attrs, nil))
	assert.True(t, MatchFilters(attrs, map[string]string{"scene": "beach"}))
	assert.False(t, MatchFilters(attrs, map[string]string{"scene": "forest"}))
	assert.False(t, MatchFilters(attrs, map[string]string{"missing": "x"}))
	assert.True(t, MatchFilters(attrs, map[string]string{"latitude": ">=36"}))
	assert.False(t, MatchFilters(attrs, map[string]string{"latitude": "<36"}))
	assert.True(t, MatchFilters(attrs, map[string]string{"scene": "beach", "latitude": "<=36.5"}))
	assert.False(t, MatchFilters(attrs, map[string]string{"scene": ">1"}))
}
