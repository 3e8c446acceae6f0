package http_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pacswatch "gitlab.com/medical-research/pacswatch"
	pacswatchhttp "gitlab.com/medical-research/pacswatch/http"
)

func TestEventHub_PublishResult(t *testing.T) {
	hub := pacswatchhttp.NewEventHub()
	a, b := hub.Subscribe(), hub.Subscribe()
	assert.Equal(t, 2, hub.SubscriberN())

	result := &pacswatch.PipelineResult{InstanceID: "abc", Status: pacswatch.StatusSuccess}
	hub.PublishResult(result)

	assert.Same(t, result, <-a.C())
	assert.Same(t, result, <-b.C())

	b.Close()
	assert.Equal(t, 1, hub.SubscriberN())
	_, ok := <-b.C()
	assert.False(t, ok)
}

func TestEventHub_DropsWhenFull(t *testing.T) {
	hub := pacswatchhttp.NewEventHub()
	sub := hub.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			hub.PublishResult(&pacswatch.PipelineResult{InstanceID: "abc"})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publishing blocked on a slow subscriber")
	}
	assert.Len(t, sub.C(), cap(sub.C()))
}

func TestEventHub_Close(t *testing.T) {
	hub := pacswatchhttp.NewEventHub()
	sub := hub.Subscribe()
	hub.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, hub.SubscriberN())

	late := hub.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok)

	// Closing a subscription of a closed hub is harmless.
	sub.Close()
}

func dialEvents(t *testing.T, f *serverFixture) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return f.server.Events.SubscriberN() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestServer_Events_StreamsResults(t *testing.T) {
	f := newServerFixture(t)
	conn := dialEvents(t, f)

	f.server.Events.PublishResult(&pacswatch.PipelineResult{
		RunID:      "run-9",
		InstanceID: "abc",
		Status:     pacswatch.StatusStorageFailed,
		Err:        pacswatch.Errorf(pacswatch.ESTORAGE, "disk full"),
	})

	var msg pacswatchhttp.EventMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, pacswatchhttp.SubjectResult, msg.Subject)
	require.NotNil(t, msg.Result)
	assert.Equal(t, "abc", msg.Result.InstanceID)
	assert.Equal(t, pacswatch.StatusStorageFailed, msg.Result.Status)
}

func TestServer_Events_Process(t *testing.T) {
	f := newServerFixture(t)
	conn := dialEvents(t, f)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"subject":   "process",
		"id":        "abc",
		"watermark": "",
		"force":     true,
	}))

	var msg pacswatchhttp.EventMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, pacswatchhttp.SubjectProcess, msg.Subject)
	require.NotNil(t, msg.Result)
	assert.Equal(t, "abc", msg.Result.InstanceID)
	assert.Equal(t, pacswatch.ProcessOptions{Force: true}, f.processor.lastOptions())
}

func TestServer_Events_ProcessDoesNotBlockReads(t *testing.T) {
	f := newServerFixture(t)
	release := make(chan struct{})
	f.processor.block = release
	conn := dialEvents(t, f)

	require.NoError(t, conn.WriteJSON(map[string]string{"subject": "process", "id": "abc"}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"subject":"dance"}`)))

	// The second request is answered while the run is still going.
	var msg pacswatchhttp.EventMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, pacswatchhttp.SubjectError, msg.Subject)

	close(release)
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, pacswatchhttp.SubjectProcess, msg.Subject)
	require.NotNil(t, msg.Result)
	assert.Equal(t, "abc", msg.Result.InstanceID)
}

func TestServer_Events_MessageTooLarge(t *testing.T) {
	f := newServerFixture(t)
	conn := dialEvents(t, f)

	big := `{"subject":"get-signed-url","id":"` + strings.Repeat("a", 16<<10) + `"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(big)))

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "unexpected error: %v", err)
}

func TestServer_Events_SignedURL(t *testing.T) {
	f := newServerFixture(t)
	f.server.CloudStorageService = &cloudStorageMock{}
	f.server.Bucket = &pacswatch.CloudStorageBucket{Name: "renderings"}
	conn := dialEvents(t, f)

	require.NoError(t, conn.WriteJSON(map[string]string{"subject": "get-signed-url", "id": "abc"}))

	var msg pacswatchhttp.EventMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, pacswatchhttp.SubjectSignedURL, msg.Subject)
	require.NotNil(t, msg.Object)
	assert.Equal(t, "rendered/abc/rendered.png", msg.Object.Name)
}

func TestServer_Events_BadRequests(t *testing.T) {
	f := newServerFixture(t)
	conn := dialEvents(t, f)

	for _, payload := range []string{`not json`, `{"subject":"dance"}`} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))

		var msg pacswatchhttp.EventMessage
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, pacswatchhttp.SubjectError, msg.Subject)
		assert.Equal(t, pacswatch.EINVALID, msg.Code)
	}
}

func TestServer_Events_ClosedOnShutdown(t *testing.T) {
	f := newServerFixture(t)
	conn := dialEvents(t, f)

	f.server.Events.Close()

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
}

func TestServer_Events_RejectsForeignOrigin(t *testing.T) {
	f := newServerFixture(t)
	f.server.AllowedOrigins = []string{"https://viewer.example"}

	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
