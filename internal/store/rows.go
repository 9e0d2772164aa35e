package store

import (
	"fmt"

	"github.com/JonMunkholm/ingestflow/internal/model"
)

// KeyString renders a key column value for matching. Nil keys never match.
func KeyString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case float64:
		return fmt.Sprintf("%v", t), true
	default:
		return fmt.Sprint(t), true
	}
}

// CollapseByKey folds rows sharing the same key column value so that each key is
// written once, later rows winning. It returns the collapsed rows in first-seen order
// and the number of rows folded into an earlier one. Rows with a nil key are kept.
func CollapseByKey(rows []model.TargetRow, key string) ([]model.TargetRow, int) {
	out := make([]model.TargetRow, 0, len(rows))
	index := make(map[string]int, len(rows))
	folded := 0
	for _, r := range rows {
		k, ok := KeyString(r[key])
		if !ok {
			out = append(out, r)
			continue
		}
		if i, seen := index[k]; seen {
			merged := make(model.TargetRow, len(out[i])+len(r))
			for c, v := range out[i] {
				merged[c] = v
			}
			for c, v := range r {
				merged[c] = v
			}
			out[i] = merged
			folded++
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}
	return out, folded
}
