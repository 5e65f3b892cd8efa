package reassembly

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korylprince/agentstream/protocol"
)

const visionArgs = "{\n  \"mode\": 1,\n  \"image\": \"https://images.example/photo.jpg?w=2000&fit=crop\",\n  \"question\": \"What kind of landscape is this? {not: a brace}\"\n}"

func feed(t *testing.T, r *Reassembler, id string, fragments []string) *Completed {
	t.Helper()
	var done *Completed
	for i, f := range fragments {
		c, err := r.Add(id, "", f)
		require.NoError(t, err, "fragment %d", i)
		if c != nil {
			require.Nil(t, done, "completed twice")
			require.Equal(t, len(fragments)-1, i, "completed before the last fragment")
			done = c
		}
	}
	return done
}

func assertSameJSON(t *testing.T, want string, got json.RawMessage) {
	t.Helper()
	var a, b interface{}
	require.NoError(t, json.Unmarshal([]byte(want), &a))
	require.NoError(t, json.Unmarshal(got, &b))
	assert.Equal(t, a, b)
}

func TestEverySplitPointCompletesOnce(t *testing.T) {
	for i := 1; i < len(visionArgs); i++ {
		r := New(0)
		c := feed(t, r, "call_py_vqa_1", []string{visionArgs[:i], visionArgs[i:]})
		require.NotNil(t, c, "split at %d", i)
		assertSameJSON(t, visionArgs, c.Args)
		assert.Equal(t, 2, c.Chunks)
	}
}

func TestRandomSplitsCompleteOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	docs := []string{
		visionArgs,
		`{"action_name": "Wave"}`,
		`{"x": 2.5, "y": 1.0}`,
		`[{"label":"mountain peak","pixel_x":1400},{"escaped":"quote \" and \\ slash"}]`,
		`{"nested":{"deep":{"deeper":[1,[2,[3]]]}},"empty":{},"list":[]}`,
	}
	for _, doc := range docs {
		for trial := 0; trial < 50; trial++ {
			var fragments []string
			rest := doc
			for len(rest) > 0 {
				n := rng.Intn(len(rest)) + 1
				if n > 6 {
					n = rng.Intn(6) + 1
				}
				fragments = append(fragments, rest[:n])
				rest = rest[n:]
			}
			r := New(0)
			c := feed(t, r, "id", fragments)
			require.NotNil(t, c, "doc %q fragments %q", doc, fragments)
			assertSameJSON(t, doc, c.Args)
		}
	}
}

func TestEmptyFragmentsWait(t *testing.T) {
	r := New(0)
	c, err := r.Add("call_py_vqa_1", "vision_analyze", "")
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = r.Add("call_py_vqa_1", "", "  \n")
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = r.Add("call_py_vqa_1", "", `{"mode":1}`)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "vision_analyze", c.Name)
	assert.Equal(t, `{"mode":1}`, string(c.Args))
	assert.Equal(t, 3, c.Chunks)
}

func TestInterleavedIdentifiers(t *testing.T) {
	r := New(0)
	steps := []struct {
		id, name, frag string
	}{
		{"A", "control_nav", "{"},
		{"B", "take_action", `{"action_name": `},
		{"A", "", `"x": 2.5, `},
		{"B", "", `"Wave"}`},
		{"A", "", `"y": 1.0}`},
	}
	got := map[string]*Completed{}
	for _, s := range steps {
		c, err := r.Add(s.id, s.name, s.frag)
		require.NoError(t, err)
		if c != nil {
			got[c.ID] = c
		}
	}
	require.Len(t, got, 2)
	assertSameJSON(t, `{"x":2.5,"y":1.0}`, got["A"].Args)
	assert.Equal(t, "control_nav", got["A"].Name)
	assertSameJSON(t, `{"action_name":"Wave"}`, got["B"].Args)
	assert.Equal(t, "take_action", got["B"].Name)
	assert.Empty(t, r.Pending())
}

func TestNamePendingUntilSeen(t *testing.T) {
	r := New(0)
	_, err := r.Add("n", "", "{")
	require.NoError(t, err)
	name, ok := r.Name("n")
	require.True(t, ok)
	assert.Equal(t, "", name)

	_, err = r.Add("n", "late_name", `"a":1`)
	require.NoError(t, err)
	_, err = r.Add("n", "ignored", "")
	require.NoError(t, err)
	name, _ = r.Name("n")
	assert.Equal(t, "late_name", name)

	c, err := r.Add("n", "", "}")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "late_name", c.Name)
}

func TestChunkAfterCompletionIsDuplicate(t *testing.T) {
	r := New(0)
	c, err := r.Add("A", "n", `{"a":1}`)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, r.Closed("A"))

	_, err = r.Add("A", "", `{"b":2}`)
	assert.ErrorIs(t, err, protocol.ErrDuplicateInvocation)
}

func TestOverflowDiscardsBuffer(t *testing.T) {
	r := New(16)
	_, err := r.Add("big", "n", `{"k":"0123456`)
	require.NoError(t, err)

	_, err = r.Add("big", "", `789abcdef"}`)
	require.ErrorIs(t, err, protocol.ErrChunkOverflow)
	assert.Empty(t, r.Pending())

	_, err = r.Add("big", "", "}")
	assert.ErrorIs(t, err, protocol.ErrDuplicateInvocation)
}

func TestBareNumbersNeverComplete(t *testing.T) {
	r := New(0)
	c, err := r.Add("num", "", "1")
	require.NoError(t, err)
	assert.Nil(t, c)
	c, err = r.Add("num", "", "2")
	require.NoError(t, err)
	assert.Nil(t, c)
	require.Len(t, r.Pending(), 1)
	assert.Equal(t, 2, r.Pending()[0].Bytes)
}

func TestTrailingDataWaits(t *testing.T) {
	r := New(0)
	c, err := r.Add("t", "", `{"a":1} x`)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDiscard(t *testing.T) {
	r := New(0)
	_, err := r.Add("d", "", "{")
	require.NoError(t, err)
	assert.True(t, r.Discard("d"))
	assert.False(t, r.Discard("d"))
	_, err = r.Add("d", "", "}")
	assert.ErrorIs(t, err, protocol.ErrDuplicateInvocation)
}
