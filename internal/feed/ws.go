package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"
)

// PriceTick is one price update from the websocket feed.
type PriceTick struct {
	Symbol string
	Price  float64
	TS     time.Time
}

// PriceStream is a websocket client for the external price feed.
type PriceStream struct {
	URL    string
	Dialer *websocket.Dialer
	conn   *websocket.Conn
	mu     sync.Mutex
}

func NewPriceStream(url string) *PriceStream {
	return &PriceStream{
		URL: strings.TrimRight(url, "/"),
		Dialer: &websocket.Dialer{
			HandshakeTimeout:  15 * time.Second,
			EnableCompression: true,
		},
	}
}

func (s *PriceStream) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	c, _, err := s.Dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return err
	}
	s.conn = c

	_ = s.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	return nil
}

func (s *PriceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Subscribe subscribes to the given symbols and returns a channel of ticks.
// The channel closes when the connection drops or ctx ends.
func (s *PriceStream) Subscribe(ctx context.Context, symbols []string) (<-chan PriceTick, error) {
	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	sub := struct {
		ID      int      `json:"id"`
		Method  string   `json:"method"`
		Symbols []string `json:"symbols"`
	}{ID: 1, Method: "SUBSCRIBE", Symbols: symbols}

	if err := s.conn.WriteJSON(sub); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan PriceTick, 1024)

	go func() {
		defer close(out)
		defer s.Close()

		pingStop := make(chan struct{})
		go func() {
			t := time.NewTicker(20 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-pingStop:
					return
				case <-t.C:
					_ = s.conn.WriteMessage(websocket.PingMessage, nil)
				}
			}
		}()
		defer close(pingStop)

		type tickMsg struct {
			Symbol string  `json:"symbol"`
			Price  float64 `json:"price"`
			TsMs   int64   `json:"ts"`
		}

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			_, data, err := s.conn.ReadMessage()
			if err != nil {
				return
			}
			_ = s.conn.SetReadDeadline(time.Now().Add(90 * time.Second))

			var m tickMsg
			if err := sonnet.Unmarshal(data, &m); err != nil {
				continue
			}
			if m.Symbol == "" || m.Price <= 0 {
				continue
			}
			ts := time.Now()
			if m.TsMs > 0 {
				ts = time.UnixMilli(m.TsMs)
			}
			out <- PriceTick{Symbol: m.Symbol, Price: m.Price, TS: ts}
		}
	}()

	return out, nil
}

// Pump drains a tick channel into the book until the channel closes or ctx
// ends.
func Pump(ctx context.Context, ticks <-chan PriceTick, book *PriceBook) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			book.Set(t.Symbol, t.Price)
		}
	}
}
