// Package diff computes the minimal prop delta between two clean props snapshots.
//
// Top-level keys are compared by value. The style map is compared one level deeper.
// Anything nested further is replaced wholesale when it differs.
package diff

import (
	"maps"
	"reflect"
	"slices"

	"lovebridge/bridge/common"
)

// Result is the delta between two snapshots.
type Result struct {
	// Diff holds changed or added keys with their new values. Changed style keys
	// are under Diff["style"].
	Diff common.Props
	// RemoveKeys lists top-level keys present before and absent now.
	RemoveKeys []string
	// RemoveStyleKeys lists style keys present before and absent now.
	RemoveStyleKeys []string
}

// Empty reports whether the result carries no change.
func (r *Result) Empty() bool {
	return r == nil || (len(r.Diff) == 0 && len(r.RemoveKeys) == 0 && len(r.RemoveStyleKeys) == 0)
}

// Props diffs two snapshots. It returns nil when nothing changed.
// Keys are visited in sorted order so the output is deterministic.
func Props(oldProps, newProps common.Props) *Result {
	res := &Result{Diff: common.Props{}}

	for _, key := range sortedKeys(newProps) {
		newVal := newProps[key]
		if key == common.StyleKey {
			changed, removed := Style(common.AsStyle(oldProps[key]), common.AsStyle(newVal))
			if len(changed) > 0 {
				res.Diff[common.StyleKey] = changed
			}
			res.RemoveStyleKeys = removed
			continue
		}
		oldVal, existed := oldProps[key]
		if !existed || !Equal(oldVal, newVal) {
			res.Diff[key] = newVal
		}
	}

	for _, key := range sortedKeys(oldProps) {
		if _, ok := newProps[key]; ok {
			continue
		}
		if key == common.StyleKey {
			// The whole style map went away: tombstone each of its keys.
			res.RemoveStyleKeys = sortedKeys(common.AsStyle(oldProps[key]))
			continue
		}
		res.RemoveKeys = append(res.RemoveKeys, key)
	}

	if res.Empty() {
		return nil
	}
	return res
}

// Style diffs two style maps, returning changed keys and removed keys.
func Style(oldStyle, newStyle map[string]any) (map[string]any, []string) {
	changed := make(map[string]any)
	var removed []string

	for _, key := range sortedKeys(newStyle) {
		oldVal, existed := oldStyle[key]
		if !existed || !Equal(oldVal, newStyle[key]) {
			changed[key] = newStyle[key]
		}
	}
	for _, key := range sortedKeys(oldStyle) {
		if _, ok := newStyle[key]; !ok {
			removed = append(removed, key)
		}
	}
	return changed, removed
}

// Equal compares two prop values. Comparable values use ==; maps, slices and other
// uncomparable values are compared structurally so a value that was rebuilt but is
// unchanged does not produce an update.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if isShallow(ta.Kind()) {
		return a == b
	}
	// Structs and arrays may hold uncomparable fields, where == would panic.
	return reflect.DeepEqual(a, b)
}

func isShallow(k reflect.Kind) bool {
	switch k {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128,
		reflect.String, reflect.Pointer, reflect.Chan, reflect.UnsafePointer:
		return true
	default:
		return false
	}
}

// HandlersChanged reports whether the set of handler names differs. Handler funcs are
// not comparable in Go, and the host only learns whether a node has handlers at all,
// so a same-named replacement is not a change worth sending.
func HandlersChanged(oldHandlers, newHandlers map[string]common.Handler) bool {
	if len(oldHandlers) != len(newHandlers) {
		return true
	}
	for name := range newHandlers {
		if _, ok := oldHandlers[name]; !ok {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	if len(m) == 0 {
		return nil
	}
	return slices.Sorted(maps.Keys(m))
}
