package command

import (
	"maps"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lovebridge/bridge/common"
)

// applyUpdate applies an UPDATE the way the host does: props first, then removals.
func applyUpdate(state common.Props, cmd Command) common.Props {
	out := state.Clone()
	if out == nil {
		out = common.Props{}
	}
	for k, v := range cmd.Props {
		if k == common.StyleKey {
			if style := common.AsStyle(v); style != nil {
				merged := maps.Clone(common.AsStyle(out[k]))
				if merged == nil {
					merged = map[string]any{}
				}
				maps.Copy(merged, style)
				out[k] = merged
				continue
			}
		}
		out[k] = v
	}
	for _, k := range cmd.RemoveKeys {
		delete(out, k)
	}
	if style := common.AsStyle(out[common.StyleKey]); style != nil {
		for _, k := range cmd.RemoveStyleKeys {
			delete(style, k)
		}
	}
	return out
}

func TestCoalesceScenario(t *testing.T) {
	cmds := []Command{
		Create(1, "Box", common.Props{"color": "red"}, false),
		{Op: OpUpdate, ID: 1, Props: common.Props{"color": "blue"}},
		{Op: OpUpdate, ID: 1, Props: common.Props{"size": 10}, RemoveKeys: []string{"color"}},
	}

	batch := Coalesce(cmds)
	require.Len(t, batch, 2)
	assert.Equal(t, OpCreate, batch[0].Op)

	want := Command{
		Op:         OpUpdate,
		ID:         1,
		Props:      common.Props{"color": "blue", "size": 10},
		RemoveKeys: []string{"color"},
	}
	if d := cmp.Diff(want, batch[1]); d != "" {
		t.Errorf("coalesced update mismatch (-want +got):\n%s", d)
	}

	final := applyUpdate(common.Props{"color": "red"}, batch[1])
	assert.Equal(t, common.Props{"size": 10}, final)
}

func TestCoalesceKeepsOtherCommandsInOrder(t *testing.T) {
	cmds := []Command{
		Create(1, "Box", nil, false),
		CreateText(2, "hi"),
		{Op: OpUpdate, ID: 1, Props: common.Props{"a": 1}},
		Append(1, 2),
		{Op: OpUpdate, ID: 2, Props: common.Props{"b": 1}},
		{Op: OpUpdate, ID: 1, Props: common.Props{"a": 2}},
		AppendToRoot(1),
		UpdateText(2, "bye"),
	}

	batch := Coalesce(cmds)

	var ops []Op
	for _, cmd := range batch {
		ops = append(ops, cmd.Op)
	}
	assert.Equal(t, []Op{OpCreate, OpCreateText, OpUpdate, OpAppend, OpUpdate, OpAppendToRoot, OpUpdateText}, ops)
	assert.Equal(t, common.Props{"a": 2}, batch[2].Props)
	assert.Equal(t, common.NodeID(2), batch[4].ID)
}

func TestCoalesceDoesNotModifyInput(t *testing.T) {
	first := Command{Op: OpUpdate, ID: 1, Props: common.Props{"a": 1, "style": map[string]any{"w": 1}}, RemoveKeys: []string{"x"}}
	second := Command{Op: OpUpdate, ID: 1, Props: common.Props{"style": map[string]any{"h": 2}}, RemoveKeys: []string{"y"}}

	Coalesce([]Command{first, second})

	assert.Equal(t, common.Props{"a": 1, "style": map[string]any{"w": 1}}, first.Props)
	assert.Equal(t, []string{"x"}, first.RemoveKeys)
}

func TestCoalesceStyleAndHandlers(t *testing.T) {
	cmds := []Command{
		Update(3, nil, true),
		{Op: OpUpdate, ID: 3, Props: common.Props{"style": map[string]any{"width": 1, "height": 2}}},
		{Op: OpUpdate, ID: 3, Props: common.Props{"style": map[string]any{"width": 5}}, RemoveStyleKeys: []string{"height"}, HasHandlers: boolPtr(false)},
	}

	batch := Coalesce(cmds)
	require.Len(t, batch, 1)
	assert.Equal(t, map[string]any{"width": 5, "height": 2}, batch[0].Props["style"])
	assert.Equal(t, []string{"height"}, batch[0].RemoveStyleKeys)
	require.NotNil(t, batch[0].HasHandlers)
	assert.False(t, *batch[0].HasHandlers)

	final := applyUpdate(common.Props{"style": map[string]any{"margin": 1}}, batch[0])
	assert.Equal(t, common.Props{"style": map[string]any{"width": 5, "margin": 1}}, final)
}

func TestCoalesceKeyRestoredAfterRemoval(t *testing.T) {
	cmds := []Command{
		{Op: OpUpdate, ID: 1, RemoveKeys: []string{"color"}, RemoveStyleKeys: []string{"width"}},
		{Op: OpUpdate, ID: 1, Props: common.Props{"color": "green", "style": map[string]any{"width": 3}}},
	}

	batch := Coalesce(cmds)
	require.Len(t, batch, 1)
	assert.Empty(t, batch[0].RemoveKeys)
	assert.Empty(t, batch[0].RemoveStyleKeys)

	start := common.Props{"color": "red", "style": map[string]any{"width": 1}}
	assert.Equal(t, common.Props{"color": "green", "style": map[string]any{"width": 3}}, applyUpdate(start, batch[0]))
}

// TestCoalesceEquivalence applies random update sequences both ways and compares the results.
func TestCoalesceEquivalence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	keys := []string{"a", "b", "c", "d"}
	styleKeys := []string{"w", "h", "m"}

	randomUpdate := func() Command {
		cmd := Command{Op: OpUpdate, ID: 7, Props: common.Props{}}
		for _, k := range keys {
			switch rng.Intn(3) {
			case 0:
				cmd.Props[k] = rng.Intn(5)
			case 1:
				cmd.RemoveKeys = append(cmd.RemoveKeys, k)
			}
		}
		style := map[string]any{}
		for _, k := range styleKeys {
			switch rng.Intn(3) {
			case 0:
				style[k] = rng.Intn(5)
			case 1:
				cmd.RemoveStyleKeys = append(cmd.RemoveStyleKeys, k)
			}
		}
		if len(style) > 0 {
			cmd.Props[common.StyleKey] = style
		}
		return cmd
	}

	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(6)
		seq := make([]Command, n)
		for j := range seq {
			seq[j] = randomUpdate()
		}

		start := common.Props{"a": -1, "style": map[string]any{"w": -1}}
		sequential := start
		for _, cmd := range seq {
			sequential = applyUpdate(sequential, cmd)
		}

		batch := Coalesce(seq)
		require.Len(t, batch, 1)
		coalesced := applyUpdate(start, batch[0])

		// An emptied style map and an absent one are the same observable state.
		if len(common.AsStyle(sequential[common.StyleKey])) == 0 {
			delete(sequential, common.StyleKey)
		}
		if len(common.AsStyle(coalesced[common.StyleKey])) == 0 {
			delete(coalesced, common.StyleKey)
		}
		if d := cmp.Diff(sequential, coalesced); d != "" {
			t.Fatalf("iteration %d: coalesced state differs (-sequential +coalesced):\n%s", i, d)
		}
	}
}
