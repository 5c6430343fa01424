package convert

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToFloat64(t *testing.T) {
	assert.Equal(t, 1.5, ToFloat64("1.5"))
	assert.Equal(t, 2.0, ToFloat64(2))
	assert.Equal(t, 3.25, ToFloat64(json.Number("3.25")))
	assert.Equal(t, 0.0, ToFloat64(math.NaN()))
	assert.Equal(t, 0.0, ToFloat64(math.Inf(-1)))
	assert.Equal(t, 0.0, ToFloat64(struct{}{}))
}

func TestParseFloat(t *testing.T) {
	assert.Equal(t, 0.0012, ParseFloat(" 0.0012 "))
	assert.Equal(t, 0.0, ParseFloat(""))
	assert.Equal(t, 0.0, ParseFloat("abc"))
	assert.Equal(t, 0.0, ParseFloat("NaN"))
}

func TestFormatFloat(t *testing.T) {
	assert.Equal(t, "0.001", FormatFloat(0.001))
	assert.Equal(t, "115.5", FormatFloat(115.5))
	assert.Equal(t, "0", FormatFloat(math.NaN()))
}
