package feed

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

// tickServer answers the subscribe handshake and then replays canned frames.
func tickServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		var sub struct {
			ID      int      `json:"id"`
			Method  string   `json:"method"`
			Symbols []string `json:"symbols"`
		}
		if err := c.ReadJSON(&sub); err != nil {
			return
		}
		assert.Equal(t, "SUBSCRIBE", sub.Method)
		assert.NotEmpty(t, sub.Symbols)

		for _, f := range frames {
			if err := c.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// hold the connection open until the client goes away
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSubscribeDeliversTicks(t *testing.T) {
	srv := tickServer(t, []string{
		`{"symbol":"WETHUSD","price":2000.5,"ts":1718000000000}`,
		`{"symbol":"ARBUSD","price":1.12}`,
	})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := NewPriceStream(wsURL(srv))
	ticks, err := stream.Subscribe(ctx, []string{"WETHUSD", "ARBUSD"})
	require.NoError(t, err)

	got := map[string]PriceTick{}
	for len(got) < 2 {
		select {
		case tk := <-ticks:
			got[tk.Symbol] = tk
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for ticks")
		}
	}

	assert.Equal(t, 2000.5, got["WETHUSD"].Price)
	assert.Equal(t, time.UnixMilli(1718000000000), got["WETHUSD"].TS)
	assert.Equal(t, 1.12, got["ARBUSD"].Price)
	assert.False(t, got["ARBUSD"].TS.IsZero(), "missing ts falls back to receive time")
}

func TestSubscribeSkipsGarbageFrames(t *testing.T) {
	srv := tickServer(t, []string{
		`not json at all`,
		`{"symbol":"","price":5}`,
		`{"symbol":"WETHUSD","price":-1}`,
		`{"symbol":"WETHUSD","price":1999.0}`,
	})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := NewPriceStream(wsURL(srv))
	ticks, err := stream.Subscribe(ctx, []string{"WETHUSD"})
	require.NoError(t, err)

	select {
	case tk := <-ticks:
		assert.Equal(t, "WETHUSD", tk.Symbol)
		assert.Equal(t, 1999.0, tk.Price)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the one valid tick")
	}
}

func TestPumpFillsBook(t *testing.T) {
	ticks := make(chan PriceTick, 4)
	ticks <- PriceTick{Symbol: "WETHUSD", Price: 2001, TS: time.Now()}
	ticks <- PriceTick{Symbol: "WETHUSD", Price: 2003, TS: time.Now()}
	close(ticks)

	book := NewPriceBook()
	Pump(context.Background(), ticks, book)

	px, err := book.Price("WETHUSD")
	require.NoError(t, err)
	assert.Equal(t, 2003.0, px, "last tick wins")
}

func TestSubscribeChannelClosesWithServer(t *testing.T) {
	srv := tickServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := NewPriceStream(wsURL(srv))
	ticks, err := stream.Subscribe(ctx, []string{"WETHUSD"})
	require.NoError(t, err)

	srv.CloseClientConnections()
	select {
	case _, open := <-ticks:
		assert.False(t, open, "tick channel must close when the connection drops")
	case <-time.After(3 * time.Second):
		t.Fatal("channel did not close")
	}
	srv.Close()
}
