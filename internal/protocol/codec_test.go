package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoderWritesRunCommandLine(t *testing.T) {
	var buf bytes.Buffer
	params := Params{"inputPath": String("/data/in.png")}

	require.NoError(t, NewEncoder(&buf).Encode(NewRunCommand("sess-1", params, true)))

	line := buf.String()
	require.True(t, strings.HasSuffix(line, "\n"))
	assert.JSONEq(t,
		`{"cmd":"run","params":{"inputPath":"/data/in.png"},"sessionId":"sess-1","allowAutonomy":true}`,
		strings.TrimSpace(line))
}

func TestRunCommandWithNilParamsEncodesEmptyObject(t *testing.T) {
	data, err := json.Marshal(NewRunCommand("sess-1", nil, false))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"params":{}`)
}

func TestDecoderReadsIndependentFields(t *testing.T) {
	input := strings.Join([]string{
		`{"status":"working","progress":12.5}`,
		``,
		`{"message":"halfway"}`,
		`{"result":{"files":2}}`,
		`{"error":"disk full"}`,
		`{"status":"complete"}`,
	}, "\n")
	dec := NewDecoder(strings.NewReader(input))

	msg, err := dec.Next()
	require.NoError(t, err)
	require.NotNil(t, msg.Status)
	assert.Equal(t, "working", *msg.Status)
	require.NotNil(t, msg.Progress)
	assert.Equal(t, 12.5, *msg.Progress)
	assert.False(t, msg.IsComplete())

	msg, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "halfway", *msg.Message)
	assert.Nil(t, msg.Status)

	msg, err = dec.Next()
	require.NoError(t, err)
	require.NotNil(t, msg.Result)
	files, _ := msg.Result.Get("files")
	n, _ := files.AsNumber()
	assert.Equal(t, 2.0, n)

	msg, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "disk full", *msg.Error)

	msg, err = dec.Next()
	require.NoError(t, err)
	assert.True(t, msg.IsComplete())

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderRepairsTrailingComma(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"status":"complete",}` + "\n"))
	msg, err := dec.Next()
	require.NoError(t, err)
	assert.True(t, msg.IsComplete())
}

func TestDecoderReportsGarbageAndContinues(t *testing.T) {
	dec := NewDecoder(strings.NewReader("[1,2,3]\n{\"progress\":50}\n"))

	_, err := dec.Next()
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))

	msg, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, 50.0, *msg.Progress)
}

func TestMessageEmpty(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"unknown":true}`))
	require.NoError(t, err)
	assert.True(t, msg.Empty())
}
