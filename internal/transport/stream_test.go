package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_DialAndReadLoopDeliversMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	serverConnCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConnCh <- conn
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream := New(url, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, stream.Dial(ctx))
	defer stream.Close()

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConnCh:
	case <-time.After(time.Second):
		t.Fatal("server never accepted the upgrade")
	}
	defer serverConn.Close()

	require.NoError(t, serverConn.WriteMessage(websocket.TextMessage, []byte("hello")))

	received := make(chan []byte, 1)
	go stream.ReadLoop(func(data []byte) {
		received <- data
	})

	select {
	case data := <-received:
		assert.Equal(t, "hello", string(data))
	case <-time.After(time.Second):
		t.Fatal("did not receive message")
	}
}

func TestCleanClose(t *testing.T) {
	closeErr := &websocket.CloseError{Code: websocket.CloseNormalClosure}
	assert.True(t, CleanClose(closeErr))

	other := &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	assert.False(t, CleanClose(other))
}
