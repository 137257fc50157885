package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceJSON(t *testing.T) {
	trace := []TraceEvent{
		{Step: 0, Action: "start", Remote: []RemoteOp{}},
		{
			Step:    1,
			Action:  OpRemoteWrite,
			Commits: 0,
			Remote: []RemoteOp{
				{Op: "write", Ref: "/notes", Key: "bad%41", Payload: []byte(`{"b":1,"a":[true]}`)},
				{Op: "remove", Ref: "/notes", Key: "gone"},
			},
			Errors: []string{"decode"},
		},
	}

	got, err := TraceJSON("example", trace)
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"example","trace":[`+
			`{"action":"start","commits":0,"remote":[],"step":0},`+
			`{"action":"remote_write","commits":0,"errors":["decode"],"remote":[`+
			`{"key":"bad%41","op":"write","payload":{"a":[true],"b":1},"ref":"/notes"},`+
			`{"key":"gone","op":"remove","ref":"/notes"}],"step":1}]}`,
		string(got))
}

func TestTraceJSON_InvalidPayload(t *testing.T) {
	trace := []TraceEvent{{
		Step:   1,
		Action: OpRemoteWrite,
		Remote: []RemoteOp{{Op: "write", Ref: "/notes", Key: "k", Payload: []byte(`{not json`)}},
	}}

	_, err := TraceJSON("bad", trace)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1 remote op 0")
}

func TestRunWithGolden_RemoteAdded(t *testing.T) {
	scenario := &Scenario{
		Name:        "remote_added",
		Description: "Same flow as testdata/scenarios/remote_added.yaml",
		Links:       []LinkStep{{Entity: "notes", Ref: "/notes"}},
		Flow: []Step{
			{Op: OpRemoteWrite, Ref: "/notes", Key: "xyz789", Payload: map[string]any{"text": "yo"}},
		},
		Assertions: []Assertion{{Type: AssertCommitCount, Count: 1}},
	}

	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}
