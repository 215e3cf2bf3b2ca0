package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ocobot/logger"
)

const (
	wsBaseURL        = "wss://stream.binance.com:9443/ws"
	wsTestnetBaseURL = "wss://stream.testnet.binance.vision/ws"
)

// TickerStream delivers live prices for one symbol over the miniTicker
// websocket stream. Consumers read from Prices; a dropped connection is
// redialed until Close is called. Callers that need a hard liveness
// guarantee should fall back to REST polling when the channel goes
// quiet.
type TickerStream struct {
	url    string
	prices chan float64
	done   chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
	wg   sync.WaitGroup
}

type miniTickerEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

// NewTickerStream prepares a stream for symbol (e.g. "SOLUSDC").
func NewTickerStream(symbol string, testnet bool) *TickerStream {
	base := wsBaseURL
	if testnet {
		base = wsTestnetBaseURL
	}
	return &TickerStream{
		url:    fmt.Sprintf("%s/%s@miniTicker", base, strings.ToLower(symbol)),
		prices: make(chan float64, 64),
		done:   make(chan struct{}),
	}
}

// Start dials the stream and begins delivering prices.
func (s *TickerStream) Start() error {
	if err := s.dial(); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.readLoop()
	return nil
}

// Prices is the stream of last-trade prices.
func (s *TickerStream) Prices() <-chan float64 {
	return s.prices
}

// Close stops the stream and releases the connection.
func (s *TickerStream) Close() {
	close(s.done)
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *TickerStream) dial() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("ticker stream dial failed: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *TickerStream) readLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			logger.Warnf("⚠️  Ticker stream read failed, reconnecting: %v", err)
			time.Sleep(time.Second)
			if err := s.dial(); err != nil {
				logger.Warnf("⚠️  Ticker stream redial failed: %v", err)
			}
			continue
		}

		var ev miniTickerEvent
		if err := json.Unmarshal(message, &ev); err != nil || ev.Close == "" {
			continue
		}
		px, err := strconv.ParseFloat(ev.Close, 64)
		if err != nil || px <= 0 {
			continue
		}

		// Drop the oldest tick rather than block the reader.
		select {
		case s.prices <- px:
		default:
			select {
			case <-s.prices:
			default:
			}
			select {
			case s.prices <- px:
			default:
			}
		}
	}
}
