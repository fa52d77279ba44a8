package ivr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound  = errors.New("ivr: session not found")
	ErrSessionFinished  = errors.New("ivr: session already finished")
	ErrInputNotExpected = errors.New("ivr: current node does not take input")
)

// maxHops bounds one engine step so a mis-authored cycle of
// non-interactive nodes cannot spin forever.
const maxHops = 100

// Step is what the engine hands back to the call leg after each advance:
// the prompts to play and whether to wait for input, transfer, or hang up.
type Step struct {
	SessionID string `json:"session_id"`
	NodeID    string `json:"node_id"`

	// Say is played to the caller in order.
	Say []string `json:"say,omitempty"`

	// ExpectInput means the call leg should gather DTMF/speech and call
	// HandleInput (or HandleTimeout after the flow timeout).
	ExpectInput    bool `json:"expect_input"`
	TimeoutSeconds int  `json:"timeout_seconds,omitempty"`

	Terminal   bool   `json:"terminal"`
	ExitReason string `json:"exit_reason,omitempty"`
	TransferTo string `json:"transfer_to,omitempty"`
}

// Engine executes published flows. It is stateless between calls; all
// execution state lives in the session repository.
type Engine struct {
	flows    FlowRepository
	sessions SessionRepository
	httpc    *http.Client
	log      *slog.Logger
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewEngine(flows FlowRepository, sessions SessionRepository, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		flows:    flows,
		sessions: sessions,
		httpc:    &http.Client{Timeout: 15 * time.Second},
		log:      log,
		clock:    time.Now,
	}
}

// StartSession begins executing the published version of a flow for a call
// and advances to the first interactive or terminal node.
func (e *Engine) StartSession(ctx context.Context, workspaceID, callID, flowID string) (Step, error) {
	flow, err := e.flows.GetPublished(ctx, workspaceID, flowID)
	if err != nil {
		return Step{}, err
	}

	sess := &Session{
		SessionID:        uuid.NewString(),
		WorkspaceID:      workspaceID,
		CallID:           callID,
		FlowID:           flow.FlowID,
		FlowVersion:      flow.Version,
		CurrentNodeID:    flow.EntryNodeID,
		Variables:        map[string]string{},
		WebhooksExecuted: map[string]bool{},
		Status:           SessionInProgress,
		StartedAt:        e.clock().UTC(),
	}
	if err := e.sessions.Create(ctx, sess); err != nil {
		return Step{}, err
	}

	step, err := e.run(ctx, flow, sess, nil)
	if err != nil {
		return Step{}, err
	}
	return step, e.sessions.Update(ctx, sess)
}

// HandleInput feeds one caller input to the session's current interactive
// node. Invalid input replays the node's invalid-input message up to the
// retry budget, then falls back to the error node.
func (e *Engine) HandleInput(ctx context.Context, sessionID, input string) (Step, error) {
	flow, sess, err := e.load(ctx, sessionID)
	if err != nil {
		return Step{}, err
	}
	node, ok := flow.Nodes[sess.CurrentNodeID]
	if !ok {
		return Step{}, fmt.Errorf("ivr: session %s at missing node %q", sessionID, sess.CurrentNodeID)
	}
	if !node.Interactive() {
		return Step{}, ErrInputNotExpected
	}

	now := e.clock().UTC()
	var step Step
	switch node.Type {
	case NodeGatherInput:
		sess.InputHistory = append(sess.InputHistory, InputRecord{NodeID: node.ID, Input: input, Valid: true, At: now})
		sess.Variables[node.Variable] = input
		sess.Retries = 0
		step, err = e.run(ctx, flow, sess, &node.Next)

	case NodeMenu:
		next, valid := node.Options[input]
		sess.InputHistory = append(sess.InputHistory, InputRecord{NodeID: node.ID, Input: input, Valid: valid, At: now})
		if valid {
			sess.Retries = 0
			step, err = e.run(ctx, flow, sess, &next)
			break
		}
		step, err = e.retryOrFail(ctx, flow, sess, node, node.InvalidInputMessage)
	}
	if err != nil {
		return Step{}, err
	}
	return step, e.sessions.Update(ctx, sess)
}

// HandleTimeout is called by the call leg when the caller produced no input
// within the flow timeout window.
func (e *Engine) HandleTimeout(ctx context.Context, sessionID string) (Step, error) {
	flow, sess, err := e.load(ctx, sessionID)
	if err != nil {
		return Step{}, err
	}
	node, ok := flow.Nodes[sess.CurrentNodeID]
	if !ok || !node.Interactive() {
		return Step{}, ErrInputNotExpected
	}

	step, err := e.retryOrFail(ctx, flow, sess, node, node.TimeoutMessage)
	if err != nil {
		return Step{}, err
	}
	return step, e.sessions.Update(ctx, sess)
}

// Abandon marks the session abandoned when the call disconnects mid-flow.
// Idempotent.
func (e *Engine) Abandon(ctx context.Context, sessionID string) error {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != SessionInProgress {
		return nil
	}
	now := e.clock().UTC()
	sess.Status = SessionAbandoned
	sess.EndedAt = &now
	return e.sessions.Update(ctx, sess)
}

func (e *Engine) load(ctx context.Context, sessionID string) (*Flow, *Session, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.Status != SessionInProgress {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrSessionFinished, sessionID, sess.Status)
	}
	flow, err := e.flows.GetVersion(ctx, sess.WorkspaceID, sess.FlowID, sess.FlowVersion)
	if err != nil {
		return nil, nil, err
	}
	return flow, sess, nil
}

// retryOrFail replays the given message and re-prompts, or routes to the
// error node once the retry budget is spent.
func (e *Engine) retryOrFail(ctx context.Context, flow *Flow, sess *Session, node Node, message string) (Step, error) {
	sess.Retries++
	if sess.Retries <= flow.retriesFor(node) {
		step := Step{
			SessionID:      sess.SessionID,
			NodeID:         node.ID,
			ExpectInput:    true,
			TimeoutSeconds: flow.TimeoutSeconds,
		}
		if message != "" {
			step.Say = append(step.Say, message)
		}
		if node.Prompt != "" {
			step.Say = append(step.Say, node.Prompt)
		}
		return step, nil
	}

	sess.Retries = 0
	errNode := flow.errorNodeFor(node)
	if errNode == "" {
		e.terminate(sess, ExitError)
		return Step{SessionID: sess.SessionID, NodeID: node.ID, Terminal: true, ExitReason: ExitError}, nil
	}
	return e.run(ctx, flow, sess, &errNode)
}

// run advances the session from the current node (or an explicit next node)
// through non-interactive nodes until it needs input or terminates.
func (e *Engine) run(ctx context.Context, flow *Flow, sess *Session, jumpTo *string) (Step, error) {
	step := Step{SessionID: sess.SessionID}

	nodeID := sess.CurrentNodeID
	if jumpTo != nil {
		nodeID = *jumpTo
	}

	for hops := 0; ; hops++ {
		if hops >= maxHops {
			e.log.Error("flow exceeded hop budget", "flow", flow.FlowID, "session", sess.SessionID, "node", nodeID)
			e.terminate(sess, ExitError)
			step.Terminal = true
			step.ExitReason = ExitError
			return step, nil
		}

		node, ok := flow.Nodes[nodeID]
		if !ok {
			return Step{}, fmt.Errorf("ivr: flow %s v%d references missing node %q", flow.FlowID, flow.Version, nodeID)
		}
		sess.CurrentNodeID = nodeID
		sess.NodeHistory = append(sess.NodeHistory, NodeVisit{NodeID: nodeID, EnteredAt: e.clock().UTC()})
		step.NodeID = nodeID

		switch node.Type {
		case NodeMenu, NodeGatherInput:
			if node.Prompt != "" {
				step.Say = append(step.Say, node.Prompt)
			}
			step.ExpectInput = true
			step.TimeoutSeconds = flow.TimeoutSeconds
			return step, nil

		case NodePlayMessage:
			step.Say = append(step.Say, node.Prompt)
			nodeID = node.Next

		case NodeSetVariable:
			sess.Variables[node.Variable] = node.Value
			nodeID = node.Next

		case NodeConditional:
			expr, err := parseExpression(node.Expression)
			if err != nil {
				// Validation catches this at publish; a hit here means a
				// corrupt stored flow.
				return Step{}, err
			}
			if expr.eval(sess.Variables) {
				nodeID = node.TrueNode
			} else {
				nodeID = node.FalseNode
			}

		case NodeWebhook:
			if err := e.execWebhook(ctx, sess, node); err != nil {
				e.log.Warn("webhook node failed", "flow", flow.FlowID, "node", nodeID, "err", err)
				errNode := flow.errorNodeFor(node)
				if errNode == "" {
					e.terminate(sess, ExitError)
					step.Terminal = true
					step.ExitReason = ExitError
					return step, nil
				}
				nodeID = errNode
				continue
			}
			nodeID = node.Next

		case NodeTransfer:
			if node.Prompt != "" {
				step.Say = append(step.Say, node.Prompt)
			}
			e.terminate(sess, ExitTransfer)
			step.Terminal = true
			step.ExitReason = ExitTransfer
			step.TransferTo = node.TransferTo
			return step, nil

		case NodeVoicemail:
			if node.Prompt != "" {
				step.Say = append(step.Say, node.Prompt)
			}
			e.terminate(sess, ExitVoicemail)
			step.Terminal = true
			step.ExitReason = ExitVoicemail
			return step, nil

		case NodeEndCall:
			if node.Prompt != "" {
				step.Say = append(step.Say, node.Prompt)
			}
			e.terminate(sess, ExitEndCall)
			step.Terminal = true
			step.ExitReason = ExitEndCall
			return step, nil

		default:
			return Step{}, fmt.Errorf("ivr: node %q has unknown type %q", nodeID, node.Type)
		}
	}
}

func (e *Engine) terminate(sess *Session, reason string) {
	now := e.clock().UTC()
	sess.Status = SessionCompleted
	sess.ExitReason = reason
	sess.EndedAt = &now
}

// webhookPayload is the request body posted to webhook nodes.
type webhookPayload struct {
	SessionID string            `json:"session_id"`
	CallID    string            `json:"call_id"`
	FlowID    string            `json:"flow_id"`
	NodeID    string            `json:"node_id"`
	Variables map[string]string `json:"variables"`
}

// webhookResponse optionally merges variables back into the session.
type webhookResponse struct {
	Variables map[string]string `json:"variables"`
}

// execWebhook runs the node's HTTP side effect with a bounded timeout.
// Non-idempotent nodes that already executed in this session are skipped,
// never re-fired.
func (e *Engine) execWebhook(ctx context.Context, sess *Session, node Node) error {
	if !node.Idempotent && sess.WebhooksExecuted[node.ID] {
		return nil
	}

	timeout := time.Duration(node.WebhookTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(webhookPayload{
		SessionID: sess.SessionID,
		CallID:    sess.CallID,
		FlowID:    sess.FlowID,
		NodeID:    node.ID,
		Variables: sess.Variables,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	// Mark before dispatch: if we crash or time out after the request left
	// the process, a replay must not fire the side effect again.
	sess.WebhooksExecuted[node.ID] = true

	resp, err := e.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("ivr: webhook %s returned status %d", node.WebhookURL, resp.StatusCode)
	}

	var out webhookResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err == nil {
		for k, v := range out.Variables {
			sess.Variables[k] = v
		}
	}
	return nil
}
