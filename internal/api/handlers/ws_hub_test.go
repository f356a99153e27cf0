package handlers

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sphh12/appium-public/internal/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_BroadcastWithFilter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)

	r := gin.New()
	r.GET("/ws", hub.HandleWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	all := dialHub(t, srv, "")
	only := dialHub(t, srv, "?run=explore_20260301_1020")

	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(ctx, watcher.Event{RunDir: "explore_other", File: "001_a.xml", Event: "CREATE"})
	hub.Broadcast(ctx, watcher.Event{RunDir: "explore_20260301_1020", File: "001_home_main.xml", Event: "CREATE"})

	var got watcher.Event
	all.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, all.ReadJSON(&got))
	assert.Equal(t, "explore_other", got.RunDir)
	require.NoError(t, all.ReadJSON(&got))
	assert.Equal(t, "001_home_main.xml", got.File)

	// 过滤连接只收到对应会话目录的事件
	only.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, only.ReadJSON(&got))
	assert.Equal(t, "explore_20260301_1020", got.RunDir)
}

func TestHub_ClientDisconnect(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)

	r := gin.New()
	r.GET("/ws", hub.HandleWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dialHub(t, srv, "")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_DropsWhenFull(t *testing.T) {
	hub := NewHub(quietLogger())
	// 未启动广播协程，通道写满后不阻塞
	for i := 0; i < 150; i++ {
		hub.Broadcast(context.Background(), watcher.Event{File: "x.xml"})
	}
	assert.Len(t, hub.broadcast, 100)
}
