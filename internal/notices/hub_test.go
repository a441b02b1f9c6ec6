package notices

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestHubKeepsBoundedHistory(t *testing.T) {
	hub := NewHub(2, 4, nil)
	hub.Notify(Notice{Level: LevelInfo, Message: "one"})
	hub.Notify(Notice{Level: LevelInfo, Message: "two"})
	hub.Notify(Notice{Level: LevelSuccess, Message: "three"})

	recent := hub.Recent(10)
	require.Len(t, recent, 2)
	require.Equal(t, "two", recent[0].Message)
	require.Equal(t, "three", recent[1].Message)
	require.False(t, recent[1].Time.IsZero())

	require.Equal(t, "three", hub.Recent(1)[0].Message)
}

func TestHubStreamsNoticesOverWebsocket(t *testing.T) {
	hub := NewHub(10, 4, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	hub.Notify(Notice{Level: LevelSuccess, Action: "send_funds", Message: "Funds sent", TxID: "0xabc"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var got Notice
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, LevelSuccess, got.Level)
	require.Equal(t, "0xabc", got.TxID)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Notify(Notice{Message: "a"})
	r.Notify(Notice{Message: "b"})
	require.Len(t, r.Notices(), 2)
}
