package realtime

import (
	"context"
	"errors"
	"testing"

	"callcenter-platform/internal/media"
)

type fakeSTT struct {
	connects int
	failNext bool
	script   []string
	i        int
}

func (f *fakeSTT) Connect(ctx context.Context) error { f.connects++; return nil }
func (f *fakeSTT) Close() error                      { return nil }
func (f *fakeSTT) Transcribe(ctx context.Context, chunk media.AudioChunk) (string, error) {
	if f.failNext {
		f.failNext = false
		return "", errors.New("stt stream reset")
	}
	if f.i >= len(f.script) {
		return "", nil
	}
	out := f.script[f.i]
	f.i++
	return out, nil
}

type fakeLLM struct {
	connects  int
	failNext  bool
	histories [][]Turn
}

func (f *fakeLLM) Connect(ctx context.Context) error { f.connects++; return nil }
func (f *fakeLLM) Close() error                      { return nil }
func (f *fakeLLM) Respond(ctx context.Context, cfg SessionConfig, history []Turn, userText string) (string, error) {
	if f.failNext {
		f.failNext = false
		return "", errors.New("llm connection dropped")
	}
	f.histories = append(f.histories, append([]Turn(nil), history...))
	return "reply to " + userText, nil
}

type fakeTTS struct {
	connects int
	failNext bool
}

func (f *fakeTTS) Connect(ctx context.Context) error { f.connects++; return nil }
func (f *fakeTTS) Close() error                      { return nil }
func (f *fakeTTS) Synthesize(ctx context.Context, cfg SessionConfig, text string) (media.AudioChunk, error) {
	if f.failNext {
		f.failNext = false
		return media.AudioChunk{}, errors.New("tts connection dropped")
	}
	return media.AudioChunk{Format: media.FormatPCM16_24000, Payload: []byte(text)}, nil
}

func newTestPipeline(stt *fakeSTT, llm *fakeLLM, tts *fakeTTS) *SegmentedProvider {
	return NewSegmentedProvider("segmented-test", stt, llm, tts, nil)
}

func drainEvents(p *SegmentedProvider, n int) []Event {
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, <-p.Events())
	}
	return out
}

func TestSegmented_FullTurn(t *testing.T) {
	stt := &fakeSTT{script: []string{"hello"}}
	llm := &fakeLLM{}
	tts := &fakeTTS{}
	p := newTestPipeline(stt, llm, tts)

	if err := p.Connect(context.Background(), SessionConfig{Model: "turn-v1"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer p.Disconnect(context.Background())

	if err := p.SendAudio(context.Background(), media.AudioChunk{Format: media.FormatPCM16_16000}); err != nil {
		t.Fatalf("send audio: %v", err)
	}

	evs := drainEvents(p, 3)
	if evs[0].Type != EventText || evs[0].Text != "hello" {
		t.Fatalf("expected transcript event first, got %+v", evs[0])
	}
	if evs[1].Type != EventText || evs[1].Text != "reply to hello" {
		t.Fatalf("expected reply text, got %+v", evs[1])
	}
	if evs[2].Type != EventAudio || string(evs[2].Audio.Payload) != "reply to hello" {
		t.Fatalf("expected synthesized audio, got %+v", evs[2])
	}

	hist := p.History()
	if len(hist) != 2 || hist[0].Role != "user" || hist[1].Role != "assistant" {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestSegmented_PartialUtteranceProducesNoTurn(t *testing.T) {
	stt := &fakeSTT{script: nil} // transcriber never finalizes
	p := newTestPipeline(stt, &fakeLLM{}, &fakeTTS{})

	if err := p.Connect(context.Background(), SessionConfig{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer p.Disconnect(context.Background())

	if err := p.SendAudio(context.Background(), media.AudioChunk{}); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if len(p.History()) != 0 {
		t.Fatalf("partial utterance must not produce a turn")
	}
}

func TestSegmented_LegReconnectsIndependently(t *testing.T) {
	stt := &fakeSTT{script: []string{"hi"}}
	llm := &fakeLLM{failNext: true}
	tts := &fakeTTS{}
	p := newTestPipeline(stt, llm, tts)

	if err := p.Connect(context.Background(), SessionConfig{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer p.Disconnect(context.Background())

	if err := p.SendAudio(context.Background(), media.AudioChunk{}); err != nil {
		t.Fatalf("send audio with llm hiccup: %v", err)
	}
	drainEvents(p, 3)

	if llm.connects != 2 {
		t.Fatalf("expected llm leg to reconnect once, got %d connects", llm.connects)
	}
	if stt.connects != 1 || tts.connects != 1 {
		t.Fatalf("other legs must not reconnect: stt=%d tts=%d", stt.connects, tts.connects)
	}
}

func TestSegmented_HistoryReplayedAfterLLMReconnect(t *testing.T) {
	stt := &fakeSTT{script: []string{"first", "second"}}
	llm := &fakeLLM{}
	p := newTestPipeline(stt, llm, &fakeTTS{})

	if err := p.Connect(context.Background(), SessionConfig{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer p.Disconnect(context.Background())

	if err := p.SendAudio(context.Background(), media.AudioChunk{}); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	drainEvents(p, 3)

	// The model leg drops between turns.
	llm.failNext = true

	if err := p.SendAudio(context.Background(), media.AudioChunk{}); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	drainEvents(p, 3)

	if llm.connects != 2 {
		t.Fatalf("expected llm reconnect, got %d connects", llm.connects)
	}
	if len(llm.histories) != 2 {
		t.Fatalf("expected 2 successful responses, got %d", len(llm.histories))
	}
	replayed := llm.histories[1]
	if len(replayed) != 2 || replayed[0].Text != "first" || replayed[1].Text != "reply to first" {
		t.Fatalf("history not replayed after reconnect: %+v", replayed)
	}
}

func TestSegmented_SessionReconnectKeepsHistory(t *testing.T) {
	stt := &fakeSTT{script: []string{"hello"}}
	llm := &fakeLLM{}
	p := newTestPipeline(stt, llm, &fakeTTS{})

	if err := p.Connect(context.Background(), SessionConfig{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := p.SendAudio(context.Background(), media.AudioChunk{}); err != nil {
		t.Fatalf("turn: %v", err)
	}
	drainEvents(p, 3)

	if err := p.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := p.Connect(context.Background(), SessionConfig{}); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer p.Disconnect(context.Background())

	if len(p.History()) != 2 {
		t.Fatalf("history must survive a session-level reconnect, got %d turns", len(p.History()))
	}
}
