package stages

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/malbeclabs/analyst/pkg/pipeline"
)

// tableShape classifies the columns of a result by the values they hold.
type tableShape struct {
	metrics []string
	times   []string
	labels  []string
}

func shapeOf(r pipeline.QueryResult) tableShape {
	var shape tableShape
	for _, col := range r.Columns {
		switch columnKind(r, col) {
		case kindNumeric:
			if isTimeName(col) {
				shape.times = append(shape.times, col)
			} else {
				shape.metrics = append(shape.metrics, col)
			}
		case kindTime:
			shape.times = append(shape.times, col)
		case kindLabel:
			shape.labels = append(shape.labels, col)
		}
	}
	return shape
}

type valueKind int

const (
	kindEmpty valueKind = iota
	kindNumeric
	kindTime
	kindLabel
)

func columnKind(r pipeline.QueryResult, col string) valueKind {
	kind := kindEmpty
	for _, row := range r.Rows {
		v, ok := row[col]
		if !ok || v == nil {
			continue
		}
		var k valueKind
		switch {
		case isTime(v):
			k = kindTime
		case isNumber(v):
			k = kindNumeric
		default:
			k = kindLabel
		}
		if kind == kindEmpty {
			kind = k
		} else if kind != k {
			return kindLabel
		}
	}
	return kind
}

// Integer columns named like calendar parts are time axes, not metrics.
func isTimeName(col string) bool {
	c := strings.ToLower(col)
	for _, part := range []string{"year", "month", "week", "day", "date", "hour", "quarter"} {
		if c == part || strings.HasPrefix(c, part+"_") || strings.HasSuffix(c, "_"+part) {
			return true
		}
	}
	return false
}

func isTime(v any) bool {
	_, ok := v.(time.Time)
	return ok
}

func isNumber(v any) bool {
	_, ok := toFloat(v)
	return ok
}

// toFloat converts the numeric values the query engine and JSON snapshots
// produce. Non-finite values are rejected.
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		var err error
		if f, err = n.Float64(); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// column returns the numeric values of col, skipping nulls.
func column(r pipeline.QueryResult, col string) []float64 {
	out := make([]float64, 0, len(r.Rows))
	for _, row := range r.Rows {
		if f, ok := toFloat(row[col]); ok {
			out = append(out, f)
		}
	}
	return out
}

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		std += (v - mean) * (v - mean)
	}
	std = math.Sqrt(std / float64(len(values)))
	return mean, std
}
