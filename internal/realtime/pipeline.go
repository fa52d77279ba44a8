package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"callcenter-platform/internal/media"
)

// The segmented provider shape: speech-to-text, language model and
// text-to-speech are separate connections ("legs"). Legs reconnect
// independently; the conversation history lives here and is handed to the
// language model on every turn, which is how context survives a reconnect
// of any leg.

// Transcriber is the speech-to-text leg. Transcribe returns the finalized
// utterance text, or "" while the utterance is still in progress.
type Transcriber interface {
	Connect(ctx context.Context) error
	Close() error
	Transcribe(ctx context.Context, chunk media.AudioChunk) (string, error)
}

// Responder is the language-model leg.
type Responder interface {
	Connect(ctx context.Context) error
	Close() error
	Respond(ctx context.Context, cfg SessionConfig, history []Turn, userText string) (string, error)
}

// Synthesizer is the text-to-speech leg.
type Synthesizer interface {
	Connect(ctx context.Context) error
	Close() error
	Synthesize(ctx context.Context, cfg SessionConfig, text string) (media.AudioChunk, error)
}

// Turn is one conversation exchange entry.
type Turn struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
}

type legState struct {
	connected bool
}

// SegmentedProvider composes the three legs behind the VoiceProvider
// contract so session lifecycle code never sees the pipeline shape.
type SegmentedProvider struct {
	id  string
	log *slog.Logger

	stt Transcriber
	llm Responder
	tts Synthesizer

	mu      sync.Mutex
	cfg     SessionConfig
	history []Turn
	legs    map[string]*legState
	events  chan Event
	seq     int64
}

func NewSegmentedProvider(id string, stt Transcriber, llm Responder, tts Synthesizer, log *slog.Logger) *SegmentedProvider {
	if log == nil {
		log = slog.Default()
	}
	return &SegmentedProvider{
		id:  id,
		log: log,
		stt: stt,
		llm: llm,
		tts: tts,
		legs: map[string]*legState{
			"stt": {},
			"llm": {},
			"tts": {},
		},
	}
}

func (p *SegmentedProvider) ID() string   { return p.id }
func (p *SegmentedProvider) Shape() Shape { return ShapeSegmented }

// Connect brings up every disconnected leg. History is never reset here,
// so a session-level reconnect keeps conversation context.
func (p *SegmentedProvider) Connect(ctx context.Context, cfg SessionConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg

	if err := p.connectLegLocked(ctx, "stt"); err != nil {
		return err
	}
	if err := p.connectLegLocked(ctx, "llm"); err != nil {
		return err
	}
	if err := p.connectLegLocked(ctx, "tts"); err != nil {
		return err
	}

	if p.events == nil {
		p.events = make(chan Event, 64)
	}
	return nil
}

func (p *SegmentedProvider) connectLegLocked(ctx context.Context, name string) error {
	st := p.legs[name]
	if st.connected {
		return nil
	}
	var err error
	switch name {
	case "stt":
		err = p.stt.Connect(ctx)
	case "llm":
		err = p.llm.Connect(ctx)
	case "tts":
		err = p.tts.Connect(ctx)
	}
	if err != nil {
		return fmt.Errorf("realtime: %s %s leg: %w", p.id, name, err)
	}
	st.connected = true
	return nil
}

func (p *SegmentedProvider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for name, st := range p.legs {
		if !st.connected {
			continue
		}
		var err error
		switch name {
		case "stt":
			err = p.stt.Close()
		case "llm":
			err = p.llm.Close()
		case "tts":
			err = p.tts.Close()
		}
		st.connected = false
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.events != nil {
		close(p.events)
		p.events = nil
	}
	return firstErr
}

// SendAudio drives the full pipeline: transcribe, respond, synthesize.
// A leg failure marks that leg disconnected and is retried once in place;
// history replay through Respond restores model context afterwards.
func (p *SegmentedProvider) SendAudio(ctx context.Context, chunk media.AudioChunk) error {
	transcript, err := p.withLeg(ctx, "stt", func() (string, error) {
		return p.stt.Transcribe(ctx, chunk)
	})
	if err != nil {
		return err
	}
	if transcript == "" {
		// Utterance still in progress.
		return nil
	}
	p.emit(ctx, Event{Type: EventText, Text: transcript})
	return p.respond(ctx, transcript)
}

// SendText injects a user text turn directly (no transcription).
func (p *SegmentedProvider) SendText(ctx context.Context, text string) error {
	return p.respond(ctx, text)
}

func (p *SegmentedProvider) respond(ctx context.Context, userText string) error {
	p.mu.Lock()
	cfg := p.cfg
	history := append([]Turn(nil), p.history...)
	p.mu.Unlock()

	reply, err := p.withLeg(ctx, "llm", func() (string, error) {
		return p.llm.Respond(ctx, cfg, history, userText)
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.history = append(p.history, Turn{Role: "user", Text: userText}, Turn{Role: "assistant", Text: reply})
	p.mu.Unlock()

	p.emit(ctx, Event{Type: EventText, Text: reply})

	audio, err := p.withLegChunk(ctx, "tts", func() (media.AudioChunk, error) {
		return p.tts.Synthesize(ctx, cfg, reply)
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.seq++
	audio.Seq = p.seq
	p.mu.Unlock()
	p.emit(ctx, Event{Type: EventAudio, Audio: audio})
	return nil
}

// withLeg runs a leg operation, reconnecting that leg once on failure.
func (p *SegmentedProvider) withLeg(ctx context.Context, name string, fn func() (string, error)) (string, error) {
	out, err := fn()
	if err == nil {
		return out, nil
	}
	if rerr := p.reconnectLeg(ctx, name); rerr != nil {
		return "", rerr
	}
	return fn()
}

func (p *SegmentedProvider) withLegChunk(ctx context.Context, name string, fn func() (media.AudioChunk, error)) (media.AudioChunk, error) {
	out, err := fn()
	if err == nil {
		return out, nil
	}
	if rerr := p.reconnectLeg(ctx, name); rerr != nil {
		return media.AudioChunk{}, rerr
	}
	return fn()
}

func (p *SegmentedProvider) reconnectLeg(ctx context.Context, name string) error {
	p.log.Warn("pipeline leg reconnecting", "provider", p.id, "leg", name)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.legs[name].connected = false
	return p.connectLegLocked(ctx, name)
}

// History returns a copy of the conversation so far.
func (p *SegmentedProvider) History() []Turn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Turn(nil), p.history...)
}

func (p *SegmentedProvider) Events() <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events
}

func (p *SegmentedProvider) emit(ctx context.Context, ev Event) {
	p.mu.Lock()
	events := p.events
	p.mu.Unlock()
	if events == nil {
		return
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
