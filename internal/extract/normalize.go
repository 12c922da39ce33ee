package extract

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TimeLayout is how timestamps are written to artifacts.
const TimeLayout = "2006-01-02 15:04:05.999999"

// maxExactInt is the float magnitude past which integral narrowing would overflow int64.
const maxExactInt = 1 << 63

// Null is the single null representation in artifacts.
const Null = ""

var nullSentinels = map[string]struct{}{
	"":     {},
	"nan":  {},
	"none": {},
	"null": {},
}

// Normalizer renders raw source values to artifact fields.
type Normalizer struct {
	// Precision is the number of decimal places floats are rounded to.
	Precision int32
}

// Rows renders a buffered chunk. Float columns whose finite values are all
// integral are written as integers for the whole chunk.
func (n Normalizer) Rows(rows [][]any) [][]string {
	if len(rows) == 0 {
		return nil
	}
	integral := integralFloatColumns(rows)
	out := make([][]string, len(rows))
	for i, row := range rows {
		fields := make([]string, len(row))
		for j, v := range row {
			fields[j] = n.Value(v, j < len(integral) && integral[j])
		}
		out[i] = fields
	}
	return out
}

// Value renders one value. asInt narrows integral floats.
func (n Normalizer) Value(v any, asInt bool) string {
	switch x := v.(type) {
	case nil:
		return Null
	case float64:
		return n.float(x, asInt)
	case float32:
		return n.float(float64(x), asInt)
	case string:
		return text(x)
	case []byte:
		return text(string(x))
	case time.Time:
		return x.Format(TimeLayout)
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int:
		return strconv.Itoa(x)
	case decimal.Decimal:
		return x.String()
	case fmt.Stringer:
		return text(x.String())
	}
	return text(fmt.Sprint(v))
}

func (n Normalizer) float(f float64, asInt bool) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Null
	}
	if asInt {
		return strconv.FormatInt(int64(f), 10)
	}
	return decimal.NewFromFloat(f).Round(n.Precision).String()
}

func text(s string) string {
	if _, ok := nullSentinels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return Null
	}
	return s
}

// integralFloatColumns marks columns holding at least one float where every finite float is a whole number.
func integralFloatColumns(rows [][]any) []bool {
	width := len(rows[0])
	seen := make([]bool, width)
	ok := make([]bool, width)
	for j := range ok {
		ok[j] = true
	}
	for _, row := range rows {
		for j := 0; j < width && j < len(row); j++ {
			var f float64
			switch x := row[j].(type) {
			case float64:
				f = x
			case float32:
				f = float64(x)
			default:
				continue
			}
			if math.IsNaN(f) || math.IsInf(f, 0) {
				continue
			}
			seen[j] = true
			if f != math.Trunc(f) || math.Abs(f) >= maxExactInt {
				ok[j] = false
			}
		}
	}
	for j := range ok {
		ok[j] = ok[j] && seen[j]
	}
	return ok
}
