package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"callcenter-platform/internal/media"
)

// EndToEndProvider speaks to an audio-in/audio-out realtime provider over
// one websocket. Connect sends the session setup frame; a read loop
// translates wire messages into Events for the current connection.
type EndToEndProvider struct {
	id     string
	url    string
	apiKey string
	log    *slog.Logger

	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	events  chan Event
}

const endToEndDialTimeout = 15 * time.Second

func NewEndToEndProvider(id, wsURL, apiKey string, log *slog.Logger) *EndToEndProvider {
	if log == nil {
		log = slog.Default()
	}
	return &EndToEndProvider{
		id:     id,
		url:    wsURL,
		apiKey: apiKey,
		log:    log,
		dialer: &websocket.Dialer{HandshakeTimeout: endToEndDialTimeout},
	}
}

func (p *EndToEndProvider) ID() string   { return p.id }
func (p *EndToEndProvider) Shape() Shape { return ShapeEndToEnd }

// wire message shared by both directions.
type endToEndFrame struct {
	Type string `json:"type"`

	Session *SessionConfig `json:"session,omitempty"`

	Audio  string       `json:"audio,omitempty"`
	Format media.Format `json:"format,omitempty"`
	Seq    int64        `json:"seq,omitempty"`

	Text string `json:"text,omitempty"`

	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	Message string `json:"message,omitempty"`
}

// Connect dials the provider, sends the session setup and starts the read
// loop. Reconnecting with the same config is how session resumption works:
// the setup frame carries the full configuration every time.
func (p *EndToEndProvider) Connect(ctx context.Context, cfg SessionConfig) error {
	header := http.Header{}
	if p.apiKey != "" {
		header.Set("Authorization", "Bearer "+p.apiKey)
	}

	conn, resp, err := p.dialer.DialContext(ctx, p.url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return fmt.Errorf("realtime: dial %s (status %d): %w", p.id, status, err)
	}

	setup := endToEndFrame{Type: "session.start", Session: &cfg}
	if err := conn.WriteJSON(setup); err != nil {
		_ = conn.Close()
		return fmt.Errorf("realtime: session setup %s: %w", p.id, err)
	}

	p.mu.Lock()
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn = conn
	p.events = make(chan Event, 64)
	events := p.events
	p.mu.Unlock()

	go p.readLoop(conn, events)
	return nil
}

// Disconnect closes the connection politely. Safe to call repeatedly.
func (p *EndToEndProvider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(2 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

func (p *EndToEndProvider) SendAudio(ctx context.Context, chunk media.AudioChunk) error {
	frame := endToEndFrame{
		Type:   "input_audio",
		Audio:  base64.StdEncoding.EncodeToString(chunk.Payload),
		Format: chunk.Format,
		Seq:    chunk.Seq,
		CallID: chunk.CallID,
	}
	return p.writeJSON(frame)
}

func (p *EndToEndProvider) SendText(ctx context.Context, text string) error {
	return p.writeJSON(endToEndFrame{Type: "input_text", Text: text})
}

func (p *EndToEndProvider) writeJSON(frame endToEndFrame) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

func (p *EndToEndProvider) Events() <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events
}

func (p *EndToEndProvider) readLoop(conn *websocket.Conn, events chan Event) {
	defer close(events)

	for {
		var frame endToEndFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				events <- Event{Type: EventClosed}
				return
			}
			events <- Event{Type: EventError, Err: err}
			return
		}

		switch frame.Type {
		case "output_audio":
			payload, err := base64.StdEncoding.DecodeString(frame.Audio)
			if err != nil {
				p.log.Warn("bad audio payload", "provider", p.id, "err", err)
				continue
			}
			events <- Event{Type: EventAudio, Audio: media.AudioChunk{
				Seq:     frame.Seq,
				Format:  frame.Format,
				Payload: payload,
			}}
		case "output_text":
			events <- Event{Type: EventText, Text: frame.Text}
		case "function_call":
			events <- Event{Type: EventFunctionCall, FunctionCall: &FunctionCall{
				ID:       frame.CallID,
				Name:     frame.Name,
				ArgsJSON: frame.Arguments,
			}}
		case "error":
			events <- Event{Type: EventError, Err: fmt.Errorf("realtime: provider %s: %s", p.id, frame.Message)}
			return
		default:
			// Unknown frame types are ignored for forward compatibility.
			if b, err := json.Marshal(frame); err == nil {
				p.log.Debug("unhandled provider frame", "provider", p.id, "frame", string(b))
			}
		}
	}
}

// Probe dials and immediately closes a connection. The health monitor
// uses it as a liveness check.
func (p *EndToEndProvider) Probe(ctx context.Context) error {
	header := http.Header{}
	if p.apiKey != "" {
		header.Set("Authorization", "Bearer "+p.apiKey)
	}
	conn, _, err := p.dialer.DialContext(ctx, p.url, header)
	if err != nil {
		return err
	}
	return conn.Close()
}
