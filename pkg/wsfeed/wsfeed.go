// Package wsfeed maintains the newHeads subscription over a
// primary/backup pair of WebSocket JSON-RPC endpoints.
//
// Reconnection uses exponential backoff capped at 60s; after the
// per-endpoint attempt budget is exhausted on the primary the feed
// fails over to the backup, and if the backup also exhausts the feed
// reports a fatal error so the orchestrator can halt.
package wsfeed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"talon"
	"talon/pkg/logging"
)

const (
	pingInterval         = 20 * time.Second
	pongTimeout          = 10 * time.Second
	staleAfter           = 30 * time.Second
	maxAttemptsPerTarget = 10
)

// Header is the decoded newHeads notification.
type Header struct {
	Number uint64
	Time   uint64
	Hash   common.Hash
}

// Feed is the WebSocket connector. Headers are delivered on Headers()
// in arrival order; the channel is buffered so the block processor's
// backlog is observable via len().
type Feed struct {
	primaryURL string
	backupURL  string
	log        *logging.Logger

	headers chan Header
	fatal   chan error
	stop    chan struct{}

	usingBackup bool
	attempts    int

	lastMessageAt atomic.Int64
}

// New creates a feed. bufSize bounds the pending-header backlog the
// orchestrator uses for backpressure decisions.
func New(primaryURL, backupURL string, bufSize int, log *logging.Logger) *Feed {
	if bufSize <= 0 {
		bufSize = 8
	}
	f := &Feed{
		primaryURL: primaryURL,
		backupURL:  backupURL,
		log:        log,
		headers:    make(chan Header, bufSize),
		fatal:      make(chan error, 1),
		stop:       make(chan struct{}),
	}
	f.lastMessageAt.Store(time.Now().UnixNano())
	return f
}

// Headers is the stream of decoded block headers.
func (f *Feed) Headers() <-chan Header { return f.headers }

// Fatal fires once when both endpoints are exhausted.
func (f *Feed) Fatal() <-chan error { return f.fatal }

// Backlog reports how many headers are queued but not yet processed.
func (f *Feed) Backlog() int { return len(f.headers) }

// Healthy reports whether a message arrived within the staleness
// window. Polled by the health monitor every 5 seconds.
func (f *Feed) Healthy() bool {
	last := time.Unix(0, f.lastMessageAt.Load())
	return time.Since(last) <= staleAfter
}

// LastMessageAt returns the arrival time of the most recent frame.
func (f *Feed) LastMessageAt() time.Time {
	return time.Unix(0, f.lastMessageAt.Load())
}

// Stop terminates the run loop.
func (f *Feed) Stop() { close(f.stop) }

// Run drives the connect/subscribe/read loop until Stop is called or
// both endpoints are exhausted.
func (f *Feed) Run() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-f.stop:
			return
		default:
		}

		url, name := f.target()
		conn, err := f.connect(url)
		if err != nil {
			f.attempts++
			f.log.Event(map[string]interface{}{
				"endpoint": name,
				"attempt":  f.attempts,
				"error":    err.Error(),
			}).Warn("ws_connect_failed")

			if f.attempts >= maxAttemptsPerTarget {
				if !f.usingBackup {
					f.log.Event(map[string]interface{}{"endpoint": name}).Warn("ws_failover_to_backup")
					f.usingBackup = true
					f.attempts = 0
					bo.Reset()
					continue
				}
				select {
				case f.fatal <- fmt.Errorf("%w: all websocket endpoints exhausted", talon.ErrRPC):
				default:
				}
				return
			}

			select {
			case <-time.After(bo.NextBackOff()):
			case <-f.stop:
				return
			}
			continue
		}

		f.attempts = 0
		bo.Reset()
		f.log.Event(map[string]interface{}{"endpoint": name}).Info("ws_connected")

		f.readLoop(conn, name)
		conn.Close()
	}
}

func (f *Feed) target() (url, name string) {
	if f.usingBackup {
		return f.backupURL, "backup"
	}
	return f.primaryURL, "primary"
}

func (f *Feed) connect(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: pongTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	sub := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []interface{}{"newHeads"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe failed: %w", err)
	}
	return conn, nil
}

// readLoop pumps frames until the connection breaks or Stop fires.
func (f *Feed) readLoop(conn *websocket.Conn, name string) {
	conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
		return nil
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongTimeout)); err != nil {
					conn.Close()
					return
				}
			case <-done:
				return
			case <-f.stop:
				conn.Close()
				return
			}
		}
	}()
	defer close(done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.stop:
			default:
				f.log.Event(map[string]interface{}{"endpoint": name, "error": err.Error()}).
					Warn("ws_read_failed")
			}
			return
		}

		f.lastMessageAt.Store(time.Now().UnixNano())

		header, ok, err := DecodeFrame(raw)
		if err != nil {
			f.log.Event(map[string]interface{}{"endpoint": name, "error": err.Error()}).
				Warn("ws_decode_failed")
			continue
		}
		if !ok {
			// Subscription confirmations and other non-header frames.
			continue
		}

		select {
		case f.headers <- header:
		case <-f.stop:
			return
		}
	}
}

// frame is the wire shape of a newHeads notification.
type frame struct {
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	ID     *int            `json:"id"`
	Params struct {
		Result struct {
			Number    string `json:"number"`
			Timestamp string `json:"timestamp"`
			Hash      string `json:"hash"`
		} `json:"result"`
	} `json:"params"`
}

// DecodeFrame parses one WebSocket frame. ok is false for frames that
// are not block headers (e.g. subscription confirmations).
func DecodeFrame(raw []byte) (Header, bool, error) {
	var fr frame
	if err := json.Unmarshal(raw, &fr); err != nil {
		return Header{}, false, fmt.Errorf("malformed frame: %w", err)
	}
	if fr.Method != "eth_subscription" {
		return Header{}, false, nil
	}

	number, err := parseHexUint(fr.Params.Result.Number)
	if err != nil {
		return Header{}, false, fmt.Errorf("bad block number %q: %w", fr.Params.Result.Number, err)
	}
	ts, err := parseHexUint(fr.Params.Result.Timestamp)
	if err != nil {
		return Header{}, false, fmt.Errorf("bad timestamp %q: %w", fr.Params.Result.Timestamp, err)
	}

	return Header{
		Number: number,
		Time:   ts,
		Hash:   common.HexToHash(fr.Params.Result.Hash),
	}, true, nil
}

func parseHexUint(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, fmt.Errorf("empty quantity")
	}
	return strconv.ParseUint(s, 16, 64)
}
