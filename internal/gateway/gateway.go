// Package gateway maintains the Discord gateway connection and turns
// MESSAGE_CREATE dispatches into pipeline calls.
package gateway

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ycchou/chatrelay/internal/lifecycle"
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// Intents: guilds, guild messages, direct messages, message content.
const identifyIntents = (1 << 0) | (1 << 9) | (1 << 12) | (1 << 15)

const (
	defaultGatewayURL   = "wss://gateway.discord.gg/?v=10&encoding=json"
	maxReconnectBackoff = 60 * time.Second
)

// Handler processes one inbound message and returns the reply to send.
// An empty reply means nothing is sent.
type Handler interface {
	HandleMessage(ctx context.Context, userID, content string) string
}

// payload is the gateway frame envelope.
type payload struct {
	Op int             `json:"op"`
	T  string          `json:"t,omitempty"`
	S  int64           `json:"s,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type readyData struct {
	SessionID string `json:"session_id"`
	User      struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

// messageEvent is the slice of MESSAGE_CREATE the worker cares about.
type messageEvent struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	Content   string `json:"content"`
	Author    struct {
		ID  string `json:"id"`
		Bot bool   `json:"bot"`
	} `json:"author"`
	Mentions []struct {
		ID string `json:"id"`
	} `json:"mentions"`
}

// Worker owns one gateway connection and reconnects with exponential
// backoff when it drops. Message handling runs in per-message goroutines
// so a slow LLM call never blocks the socket reader.
type Worker struct {
	gatewayURL string
	token      string
	rest       *RESTClient
	handler    Handler
	logger     *zap.Logger

	mu        sync.Mutex
	botUserID string
}

// NewWorker creates a Worker. gatewayURL may be empty to use the public
// Discord gateway.
func NewWorker(gatewayURL, token string, rest *RESTClient, handler Handler, logger *zap.Logger) *Worker {
	if gatewayURL == "" {
		gatewayURL = defaultGatewayURL
	}
	return &Worker{
		gatewayURL: gatewayURL,
		token:      token,
		rest:       rest,
		handler:    handler,
		logger:     logger,
	}
}

// Run connects and serves dispatches until the context is cancelled,
// reconnecting on any session failure.
func (w *Worker) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			w.logger.Info("gateway worker stopped")
			return
		}

		start := time.Now()
		err := w.session(ctx)
		if ctx.Err() != nil {
			w.logger.Info("gateway worker stopped")
			return
		}

		// A session that survived a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}
		w.logger.Warn("gateway session ended, reconnecting",
			zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			w.logger.Info("gateway worker stopped")
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

// session runs one connect, identify, read-dispatch cycle and returns
// when the connection dies or the context is cancelled.
func (w *Worker) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.gatewayURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer lifecycle.SetGatewayConnected(false)

	// Close the socket when the context ends so the blocked ReadMessage
	// returns promptly.
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	var writeMu sync.Mutex
	send := func(p payload) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(p)
	}

	var seq atomic.Int64
	hello, err := w.awaitHello(conn)
	if err != nil {
		return err
	}

	if err := w.identify(send); err != nil {
		return err
	}

	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	go w.heartbeatLoop(sessionCtx, interval, send, seq.Load)

	for {
		var p payload
		if err := conn.ReadJSON(&p); err != nil {
			return err
		}
		if p.S != 0 {
			seq.Store(p.S)
		}

		switch p.Op {
		case opDispatch:
			w.dispatch(sessionCtx, p)
		case opHeartbeat:
			if err := send(payload{Op: opHeartbeat, D: heartbeatSeq(seq.Load())}); err != nil {
				return err
			}
		case opReconnect, opInvalidSession:
			w.logger.Info("gateway requested reconnect", zap.Int("op", p.Op))
			return nil
		case opHeartbeatAck:
			// nothing to do
		}
	}
}

func (w *Worker) awaitHello(conn *websocket.Conn) (helloData, error) {
	var p payload
	if err := conn.ReadJSON(&p); err != nil {
		return helloData{}, err
	}
	var hello helloData
	if err := json.Unmarshal(p.D, &hello); err != nil {
		return helloData{}, err
	}
	return hello, nil
}

func (w *Worker) identify(send func(payload) error) error {
	identify := map[string]any{
		"token":   w.token,
		"intents": identifyIntents,
		"properties": map[string]string{
			"os":      runtime.GOOS,
			"browser": "chatrelay",
			"device":  "chatrelay",
		},
	}
	raw, err := json.Marshal(identify)
	if err != nil {
		return err
	}
	return send(payload{Op: opIdentify, D: raw})
}

func (w *Worker) heartbeatLoop(ctx context.Context, interval time.Duration, send func(payload) error, seq func() int64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(payload{Op: opHeartbeat, D: heartbeatSeq(seq())}); err != nil {
				return
			}
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, p payload) {
	switch p.T {
	case "READY":
		var ready readyData
		if err := json.Unmarshal(p.D, &ready); err != nil {
			w.logger.Error("decode READY failed", zap.Error(err))
			return
		}
		w.mu.Lock()
		w.botUserID = ready.User.ID
		w.mu.Unlock()
		lifecycle.SetGatewayConnected(true)
		w.logger.Info("gateway ready",
			zap.String("botUser", ready.User.Username),
			zap.String("sessionId", ready.SessionID))

	case "MESSAGE_CREATE":
		var ev messageEvent
		if err := json.Unmarshal(p.D, &ev); err != nil {
			w.logger.Error("decode MESSAGE_CREATE failed", zap.Error(err))
			return
		}
		botID := w.BotUserID()
		if !shouldHandle(ev, botID) {
			return
		}
		go w.handleMessage(ctx, ev, botID)
	}
}

// handleMessage runs the pipeline for one event and posts the reply as a
// threaded response in the originating channel.
func (w *Worker) handleMessage(ctx context.Context, ev messageEvent, botID string) {
	if err := w.rest.TriggerTyping(ctx, ev.ChannelID); err != nil {
		w.logger.Debug("typing indicator failed", zap.Error(err))
	}

	content := StripMention(ev.Content, botID)
	reply := w.handler.HandleMessage(ctx, ev.Author.ID, content)
	if reply == "" {
		return
	}

	if err := w.rest.CreateMessage(ctx, ev.ChannelID, reply, ev.ID); err != nil {
		w.logger.Error("send reply failed",
			zap.String("channelId", ev.ChannelID), zap.Error(err))
	}
}

// BotUserID returns the bot's own user id, empty before READY.
func (w *Worker) BotUserID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.botUserID
}

// shouldHandle accepts direct messages and guild messages that mention
// the bot, and drops everything the bot itself or another bot wrote.
func shouldHandle(ev messageEvent, botID string) bool {
	if ev.Author.Bot || (botID != "" && ev.Author.ID == botID) {
		return false
	}
	if ev.GuildID == "" {
		return true
	}
	for _, m := range ev.Mentions {
		if m.ID == botID {
			return true
		}
	}
	return false
}

// StripMention removes the bot's mention tokens and surrounding
// whitespace from a message.
func StripMention(content, botID string) string {
	if botID != "" {
		content = strings.ReplaceAll(content, "<@"+botID+">", "")
		content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	}
	return strings.TrimSpace(content)
}

// heartbeatSeq encodes the last received sequence for a heartbeat
// frame. The gateway expects a JSON null until the first sequenced
// frame arrives; sequences start at 1, so 0 means none yet.
func heartbeatSeq(v int64) json.RawMessage {
	if v == 0 {
		return json.RawMessage("null")
	}
	raw, _ := json.Marshal(v)
	return raw
}
