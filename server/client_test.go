package server

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/bookenrich/pulse/stream"
)

func (e *testEnv) dial(t *testing.T, path string, header http.Header) (*websocket.Conn, *http.Response) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn, resp
}

// readFrames reads until the server closes the socket and returns the close error
func readFrames(t *testing.T, conn *websocket.Conn) ([]StreamFrame, error) {
	t.Helper()
	var frames []StreamFrame
	for {
		var f StreamFrame
		if err := conn.ReadJSON(&f); err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

func TestWebSocket_StreamsToCompletion(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.createJob(t, "alice", `"`+martianISBN+`"`)

	conn, resp := env.dial(t, "/jobs/"+jobID+"/stream?token=alice", nil)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	frames, err := readFrames(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.NotEmpty(t, frames)
	for i, f := range frames {
		assert.Equal(t, int64(i+1), f.EventID)
		assert.Equal(t, jobID, f.JobID)
	}
	last := frames[len(frames)-1]
	assert.Equal(t, stream.EventComplete, last.Type)
	assert.Contains(t, string(last.Data), `"summary"`)
}

func TestWebSocket_Resume(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.createJob(t, "alice", `"`+martianISBN+`"`)
	env.waitTerminal(t, "alice", jobID)

	header := http.Header{}
	header.Set("Authorization", "Bearer alice")
	header.Set("Last-Event-ID", "1")
	conn, _ := env.dial(t, "/jobs/"+jobID+"/stream", header)

	frames, _ := readFrames(t, conn)
	require.NotEmpty(t, frames)
	assert.Equal(t, int64(2), frames[0].EventID)
}

func TestWebSocket_CancelFrame(t *testing.T) {
	env := newTestEnv(t)
	env.resolver.block = make(chan struct{})
	defer close(env.resolver.block)

	jobID := env.createJob(t, "alice", `"`+martianISBN+`"`, `"9780000000002"`)
	conn, _ := env.dial(t, "/jobs/"+jobID+"/stream?token=alice", nil)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "cancel"}))

	frames, err := readFrames(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.NotEmpty(t, frames)
	assert.Equal(t, stream.EventCanceled, frames[len(frames)-1].Type)

	tr, err := env.srv.registry.Get("alice", jobID)
	require.NoError(t, err)
	assert.Equal(t, "canceled", string(tr.Status()))
}

func TestWebSocket_RequiresCredential(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.createJob(t, "alice", `"`+martianISBN+`"`)

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/jobs/" + jobID + "/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=bob", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocket_ShutdownClosesStreams(t *testing.T) {
	env := newTestEnv(t)
	env.resolver.block = make(chan struct{})
	defer close(env.resolver.block)

	jobID := env.createJob(t, "alice", `"`+martianISBN+`"`)
	conn, _ := env.dial(t, "/jobs/"+jobID+"/stream?token=alice", nil)

	require.Eventually(t, func() bool { return env.srv.streamCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, env.srv.Stop(t.Context()))

	frames, err := readFrames(t, conn)
	require.Error(t, err)
	require.NotEmpty(t, frames)
	assert.Equal(t, stream.EventCanceled, frames[len(frames)-1].Type)
	assert.Equal(t, 0, env.srv.streamCount())
}
