package command

import (
	"maps"

	"lovebridge/bridge/common"
)

// Coalesce merges every UPDATE for a node into the first UPDATE for that node. Later prop
// and style values win, removal lists are concatenated, and the latest hasHandlers wins.
// A key removed by an earlier UPDATE and set by a later one is pruned from the removal list,
// so applying the merged props and then the removals gives the same node as applying each
// UPDATE in order. Other commands are copied through in their original order. The input is
// not modified.
func Coalesce(cmds []Command) Batch {
	out := make(Batch, 0, len(cmds))
	first := make(map[common.NodeID]int)

	for _, cmd := range cmds {
		if cmd.Op != OpUpdate {
			out = append(out, cmd)
			continue
		}
		idx, seen := first[cmd.ID]
		if !seen {
			first[cmd.ID] = len(out)
			out = append(out, cloneUpdate(cmd))
			continue
		}
		mergeUpdate(&out[idx], cmd)
	}
	return out
}

func cloneUpdate(cmd Command) Command {
	cmd.Props = cmd.Props.Clone()
	cmd.RemoveKeys = append([]string(nil), cmd.RemoveKeys...)
	cmd.RemoveStyleKeys = append([]string(nil), cmd.RemoveStyleKeys...)
	if cmd.HasHandlers != nil {
		cmd.HasHandlers = boolPtr(*cmd.HasHandlers)
	}
	return cmd
}

// mergeUpdate folds next into acc.
//
// A key set by an earlier update and tombstoned by a later one stays in props; the host
// applies props before removals, so it ends up absent just as in sequential application.
// A key tombstoned earlier and set again later is dropped from the tombstone lists, since
// the host would otherwise delete the value the later update restored.
func mergeUpdate(acc *Command, next Command) {
	if acc.Props == nil {
		acc.Props = common.Props{}
	}
	for k, v := range next.Props {
		if k == common.StyleKey {
			continue
		}
		acc.Props[k] = v
		acc.RemoveKeys = without(acc.RemoveKeys, k)
	}

	if nextStyle := common.AsStyle(next.Props[common.StyleKey]); nextStyle != nil {
		accStyle := common.AsStyle(acc.Props[common.StyleKey])
		merged := make(map[string]any, len(accStyle)+len(nextStyle))
		maps.Copy(merged, accStyle)
		maps.Copy(merged, nextStyle)
		acc.Props[common.StyleKey] = merged
		for k := range nextStyle {
			acc.RemoveStyleKeys = without(acc.RemoveStyleKeys, k)
		}
	} else if v, ok := next.Props[common.StyleKey]; ok {
		acc.Props[common.StyleKey] = v
	}

	acc.RemoveKeys = append(acc.RemoveKeys, next.RemoveKeys...)
	acc.RemoveStyleKeys = append(acc.RemoveStyleKeys, next.RemoveStyleKeys...)

	if next.HasHandlers != nil {
		acc.HasHandlers = boolPtr(*next.HasHandlers)
	}
}

func without(keys []string, key string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	return out
}
