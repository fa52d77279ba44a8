package realtime

import (
	"context"
	"errors"

	"callcenter-platform/internal/media"
)

// Shape tags the two supported provider architectures.
//
// End-to-end providers take audio/text in and emit audio/text/function-call
// events over one connection. Segmented providers are a speech-to-text,
// language-model, text-to-speech pipeline whose legs connect independently.
//
// Session lifecycle code operates only on the VoiceProvider contract and
// never on the concrete shape.
type Shape string

const (
	ShapeEndToEnd  Shape = "end_to_end"
	ShapeSegmented Shape = "segmented"
)

// SessionConfig is the provider-facing session parameters. Reconnection
// re-establishes the connection with the exact same config.
type SessionConfig struct {
	Model        string            `json:"model"`
	Instructions string            `json:"instructions,omitempty"`
	Voice        string            `json:"voice,omitempty"`
	Language     string            `json:"language,omitempty"`
	InputFormat  media.Format      `json:"input_format"`
	OutputFormat media.Format      `json:"output_format"`
	Tools        []ToolDeclaration `json:"tools,omitempty"`
}

// ToolDeclaration describes a function the model may call.
type ToolDeclaration struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// ParametersJSON is the JSON-schema for arguments, stored verbatim.
	ParametersJSON string `json:"parameters_json,omitempty"`
}

// EventType enumerates provider event kinds.
type EventType string

const (
	EventAudio        EventType = "audio"
	EventText         EventType = "text"
	EventFunctionCall EventType = "function_call"
	EventError        EventType = "error"
	EventClosed       EventType = "closed"
)

// Event is one inbound provider event.
type Event struct {
	Type EventType

	Audio media.AudioChunk
	Text  string

	FunctionCall *FunctionCall

	Err error
}

// FunctionCall is a model-initiated tool invocation.
type FunctionCall struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ArgsJSON string `json:"args_json"`
}

var ErrNotConnected = errors.New("realtime: provider not connected")

// VoiceProvider is the single session-lifecycle contract both provider
// shapes implement.
//
// Connect must be retryable: calling it again after a transport failure
// re-establishes the connection with the same SessionConfig, preserving
// conversation context where the provider supports resumption. Events
// returns the channel for the current connection; it is closed when the
// connection drops.
type VoiceProvider interface {
	ID() string
	Shape() Shape

	Connect(ctx context.Context, cfg SessionConfig) error
	Disconnect(ctx context.Context) error

	SendAudio(ctx context.Context, chunk media.AudioChunk) error
	SendText(ctx context.Context, text string) error

	Events() <-chan Event
}
