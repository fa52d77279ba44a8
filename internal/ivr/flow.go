package ivr

import (
	"errors"
	"fmt"
	"time"
)

// NodeType enumerates the IVR node kinds.
type NodeType string

const (
	NodeMenu        NodeType = "MENU"
	NodePlayMessage NodeType = "PLAY_MESSAGE"
	NodeGatherInput NodeType = "GATHER_INPUT"
	NodeTransfer    NodeType = "TRANSFER"
	NodeVoicemail   NodeType = "VOICEMAIL"
	NodeWebhook     NodeType = "WEBHOOK"
	NodeConditional NodeType = "CONDITIONAL"
	NodeSetVariable NodeType = "SET_VARIABLE"
	NodeEndCall     NodeType = "END_CALL"
)

// Node is one vertex of the flow graph. Fields are used per type; Validate
// enforces which are required.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`

	// Prompt is spoken on entry (menu, play, gather, voicemail).
	Prompt string `json:"prompt,omitempty"`

	// Menu routing: caller input value -> next node id.
	Options             map[string]string `json:"options,omitempty"`
	InvalidInputMessage string            `json:"invalid_input_message,omitempty"`
	TimeoutMessage      string            `json:"timeout_message,omitempty"`
	// MaxRetries overrides the flow default when > 0.
	MaxRetries int `json:"max_retries,omitempty"`

	// Next is the single transition for play/gather/webhook/set_variable.
	Next string `json:"next,omitempty"`

	// Variable naming for gather and set_variable.
	Variable string `json:"variable,omitempty"`
	Value    string `json:"value,omitempty"`

	// Conditional branching. Expression grammar: "<variable> <op> <literal>"
	// with op in == != > < >= <=.
	Expression string `json:"expression,omitempty"`
	TrueNode   string `json:"true_node,omitempty"`
	FalseNode  string `json:"false_node,omitempty"`

	// Transfer target (agent/queue identifier or number).
	TransferTo string `json:"transfer_to,omitempty"`

	// Webhook side effect.
	WebhookURL            string `json:"webhook_url,omitempty"`
	WebhookTimeoutSeconds int    `json:"webhook_timeout_seconds,omitempty"`
	// Idempotent marks the webhook safe to re-execute on session replay.
	Idempotent bool `json:"idempotent,omitempty"`

	// ErrorNode overrides the flow-level error node for this node.
	ErrorNode string `json:"error_node,omitempty"`
}

// Terminal reports whether the node ends the session.
func (n Node) Terminal() bool {
	switch n.Type {
	case NodeTransfer, NodeVoicemail, NodeEndCall:
		return true
	}
	return false
}

// Interactive reports whether the node waits for caller input.
func (n Node) Interactive() bool {
	return n.Type == NodeMenu || n.Type == NodeGatherInput
}

// Flow is a versioned decision graph. Once published a version is
// immutable; edits create a new version.
type Flow struct {
	FlowID      string `json:"flow_id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	Version     int    `json:"version"`
	Published   bool   `json:"published"`

	EntryNodeID string          `json:"entry_node_id"`
	ErrorNodeID string          `json:"error_node_id"`
	Nodes       map[string]Node `json:"nodes"`

	// Flow-level defaults.
	MaxRetries      int    `json:"max_retries"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	DefaultLanguage string `json:"default_language,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

var ErrFlowInvalid = errors.New("ivr: flow invalid")

// Validate runs the publish-time checks. A flow that fails validation is
// never published and never executed.
func (f *Flow) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if f.FlowID == "" {
		fail("flow_id is required")
	}
	if f.WorkspaceID == "" {
		fail("workspace_id is required")
	}
	if len(f.Nodes) == 0 {
		fail("flow has no nodes")
	}
	if f.EntryNodeID == "" {
		fail("entry_node_id is required")
	} else if _, ok := f.Nodes[f.EntryNodeID]; !ok {
		fail("entry node %q does not exist", f.EntryNodeID)
	}
	if f.ErrorNodeID != "" {
		if _, ok := f.Nodes[f.ErrorNodeID]; !ok {
			fail("error node %q does not exist", f.ErrorNodeID)
		}
	}

	ref := func(nodeID, field, target string) {
		if target == "" {
			return
		}
		if _, ok := f.Nodes[target]; !ok {
			fail("node %q %s references missing node %q", nodeID, field, target)
		}
	}

	for id, n := range f.Nodes {
		if n.ID != "" && n.ID != id {
			fail("node key %q does not match node id %q", id, n.ID)
		}
		switch n.Type {
		case NodeMenu:
			if len(n.Options) == 0 {
				fail("menu node %q has no options", id)
			}
			for input, target := range n.Options {
				if input == "" {
					fail("menu node %q has an empty option key", id)
				}
				ref(id, "option", target)
			}
		case NodePlayMessage:
			if n.Prompt == "" {
				fail("play node %q has no prompt", id)
			}
			ref(id, "next", n.Next)
			if n.Next == "" {
				fail("play node %q has no next node", id)
			}
		case NodeGatherInput:
			if n.Variable == "" {
				fail("gather node %q has no variable", id)
			}
			if n.Next == "" {
				fail("gather node %q has no next node", id)
			}
			ref(id, "next", n.Next)
		case NodeWebhook:
			if n.WebhookURL == "" {
				fail("webhook node %q has no url", id)
			}
			if n.Next == "" {
				fail("webhook node %q has no next node", id)
			}
			ref(id, "next", n.Next)
		case NodeConditional:
			if n.Expression == "" {
				fail("conditional node %q has no expression", id)
			} else if _, err := parseExpression(n.Expression); err != nil {
				fail("conditional node %q: %v", id, err)
			}
			if n.TrueNode == "" || n.FalseNode == "" {
				fail("conditional node %q must set true_node and false_node", id)
			}
			ref(id, "true_node", n.TrueNode)
			ref(id, "false_node", n.FalseNode)
		case NodeSetVariable:
			if n.Variable == "" {
				fail("set_variable node %q has no variable", id)
			}
			if n.Next == "" {
				fail("set_variable node %q has no next node", id)
			}
			ref(id, "next", n.Next)
		case NodeTransfer:
			if n.TransferTo == "" {
				fail("transfer node %q has no target", id)
			}
		case NodeVoicemail, NodeEndCall:
			// Prompt optional, no transitions.
		default:
			fail("node %q has unknown type %q", id, n.Type)
		}
		if n.Terminal() && n.Next != "" {
			fail("terminal node %q must not have a next node", id)
		}
		ref(id, "error_node", n.ErrorNode)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrFlowInvalid, errors.Join(errs...))
	}
	return nil
}

// errorNodeFor resolves the error fallback for a node.
func (f *Flow) errorNodeFor(n Node) string {
	if n.ErrorNode != "" {
		return n.ErrorNode
	}
	return f.ErrorNodeID
}

// retriesFor resolves the retry budget for a node.
func (f *Flow) retriesFor(n Node) int {
	if n.MaxRetries > 0 {
		return n.MaxRetries
	}
	if f.MaxRetries > 0 {
		return f.MaxRetries
	}
	return 3
}
