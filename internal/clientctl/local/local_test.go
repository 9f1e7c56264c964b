package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendAndWait_RecordsSnapshotCommands(t *testing.T) {
	c := New(true)
	require.NoError(t, c.SendAndWait(context.Background(), `START SC "path"#token=abc`, "DONE", time.Minute))
	require.NoError(t, c.SendAndWait(context.Background(), `STOP SC "path"#token=abc`, "DONE", time.Minute))
	assert.Len(t, c.Snapshots(), 2)
}

func TestSendAndWait_RejectsUnexpectedExpect(t *testing.T) {
	c := New(true)
	err := c.SendAndWait(context.Background(), "PING", "PONG", time.Second)
	assert.Error(t, err)
}

func TestScriptStderr_DefaultsToCleanExit(t *testing.T) {
	c := New(true)
	reply, err := c.ScriptStderr(context.Background(), "SCRIPT|srv/a.sh|1|42")
	require.NoError(t, err)
	assert.Equal(t, "0 ", reply)
}

func TestScriptStderr_RegisteredFailure(t *testing.T) {
	c := New(true)
	c.SetScriptResult("SCRIPT|srv/a.sh|1|42", ScriptResult{Retcode: 3, Lines: []string{"line1", "line2"}})
	reply, err := c.ScriptStderr(context.Background(), "SCRIPT|srv/a.sh|1|42")
	require.NoError(t, err)
	assert.Equal(t, "3 line1\nline2", reply)
}

func TestScriptStderr_RegisteredError(t *testing.T) {
	c := New(true)
	c.SetScriptResult("SCRIPT|srv/a.sh|1|42", ScriptResult{Err: errors.New("boom")})
	_, err := c.ScriptStderr(context.Background(), "SCRIPT|srv/a.sh|1|42")
	assert.Error(t, err)
}

func TestInformMetadataStreamEnd(t *testing.T) {
	c := New(true)
	ended, _ := c.MetadataStreamEnded()
	assert.False(t, ended)

	require.NoError(t, c.InformMetadataStreamEnd(context.Background(), "tok"))
	ended, token := c.MetadataStreamEnded()
	assert.True(t, ended)
	assert.Equal(t, "tok", token)
}
