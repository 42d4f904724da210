package candle

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ParseRows decodes provider rows of the form
// [timestamp, open, high, low, close] or [timestamp, open, high, low, close, volume].
// Any other shape is ErrMalformed.
func ParseRows(rows [][]any) ([]Candle, error) {
	out := make([]Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) != 5 && len(row) != 6 {
			return nil, fmt.Errorf("%w: row %d has %d fields", ErrMalformed, i, len(row))
		}

		ts, err := parseTime(row[0])
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrMalformed, i, err)
		}

		var ohlc [4]float64
		for j := range ohlc {
			v, ok := toFloat64(row[j+1])
			if !ok {
				return nil, fmt.Errorf("%w: row %d field %d is not numeric", ErrMalformed, i, j+1)
			}
			ohlc[j] = v
		}

		c := Candle{Time: ts, Open: ohlc[0], High: ohlc[1], Low: ohlc[2], Close: ohlc[3]}
		if len(row) == 6 {
			v, ok := toFloat64(row[5])
			if !ok {
				return nil, fmt.Errorf("%w: row %d volume is not numeric", ErrMalformed, i)
			}
			c.Volume = int64(v)
		}
		out = append(out, c)
	}
	return out, nil
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", t)
	case float64:
		return time.Unix(int64(t), 0).UTC(), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(n, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
}

// toFloat64 accepts JSON numbers in either decoding mode and numeric strings.
func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int64:
		return float64(val), true
	case int:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
