package mapping

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/convert"
	"github.com/JonMunkholm/ingestflow/internal/model"
)

// Coerce converts v to the Go representation of a column type: TEXT string,
// NUMBER float64, INTEGER int64, DATE and TIMESTAMP time.Time, BOOLEAN bool.
// Blank values become nil.
func Coerce(dt model.DataType, v any) (any, error) {
	if convert.IsBlank(v) {
		return nil, nil
	}
	switch dt {
	case model.TypeNumber:
		f, ok := convert.Number(v)
		if !ok {
			return nil, fmt.Errorf("cannot convert %v to NUMBER", v)
		}
		return f, nil

	case model.TypeInteger:
		switch t := v.(type) {
		case int64:
			return t, nil
		case int:
			return int64(t), nil
		case float64:
			if t == math.Trunc(t) {
				return int64(t), nil
			}
		}
		s, _ := convert.Text(v)
		i, ok := convert.ParseInteger(s)
		if !ok {
			return nil, fmt.Errorf("cannot convert %v to INTEGER", v)
		}
		return i, nil

	case model.TypeDate:
		if t, ok := v.(time.Time); ok {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
		s, _ := convert.Text(v)
		t, ok := convert.ParseDate(s)
		if !ok {
			if ts, ok := convert.ParseTimestamp(s); ok {
				y, m, d := ts.Date()
				return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
			}
			return nil, fmt.Errorf("cannot convert %q to DATE", s)
		}
		return t, nil

	case model.TypeTimestamp:
		if t, ok := v.(time.Time); ok {
			return t, nil
		}
		s, _ := convert.Text(v)
		t, ok := convert.ParseTimestamp(s)
		if !ok {
			return nil, fmt.Errorf("cannot convert %q to TIMESTAMP", s)
		}
		return t, nil

	case model.TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		s, _ := convert.Text(v)
		b, ok := convert.ParseBool(s)
		if !ok {
			return nil, fmt.Errorf("cannot convert %q to BOOLEAN", s)
		}
		return b, nil
	}

	s, _ := convert.Text(v)
	return strings.TrimSpace(s), nil
}
