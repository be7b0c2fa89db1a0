package supervisor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oriys/kernel/internal/kernel/controlplane"
	"github.com/oriys/kernel/internal/kernel/envelope"
	"github.com/oriys/kernel/internal/kernel/klog"
	"github.com/oriys/kernel/internal/kernel/kmetrics"
)

const (
	kindExecuteBoundary       = controlplane.KindExecuteBoundary
	kindExecuteBoundaryResult = controlplane.KindExecuteBoundaryResult
	kindExecuteBoundaryError  = controlplane.KindExecuteBoundaryError
)

// resolveGroup resolves target to its owning process group, consulting
// and populating the routing cache. ok is false when target names no
// configured node.
func (s *Supervisor) resolveGroup(target string) (group string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, hit := s.routeCache[target]; hit {
		return entry.group, !entry.negative
	}

	g, found := s.nodeGroup[target]
	if !found {
		if s.routeCacheSettings.NegativeCache {
			s.routeCache[target] = routingCacheEntry{negative: true}
		}
		return "", false
	}
	s.routeCache[target] = routingCacheEntry{group: g}
	return g, true
}

// pickWorker returns the next alive worker in group via round robin.
func (s *Supervisor) pickWorker(group string) (*workerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handles := s.workers[group]
	if len(handles) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	n := len(handles)
	start := s.rrCursor[group]
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if handles[idx].isAlive() {
			s.rrCursor[group] = (idx + 1) % n
			return handles[idx], nil
		}
	}
	return nil, &ConnectionError{Group: group}
}

// wireEnvelope is the JSON shape of an envelope.Envelope crossing the
// control pipe.
type wireEnvelope struct {
	Payload any    `json:"payload"`
	Target  string `json:"target"`
	TraceID string `json:"trace_id"`
	ReplyTo string `json:"reply_to"`
	SpanID  string `json:"span_id"`
}

func (w wireEnvelope) toEnvelope() envelope.Envelope {
	return envelope.Envelope{Payload: w.Payload, Target: w.Target, TraceID: w.TraceID, ReplyTo: w.ReplyTo, SpanID: w.SpanID}
}

type boundaryResultPayload struct {
	TerminalOutputs []wireEnvelope `json:"terminal_outputs"`
}

type boundaryErrorPayload struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

func maxRouteHop(ins []envelope.BoundaryDispatchInput) int {
	max := 0
	for _, in := range ins {
		if in.RouteHop > max {
			max = in.RouteHop
		}
	}
	return max
}

// ExecuteBoundary groups inputs by dispatch group, round-robins each
// group to an alive worker, and loops re-queuing cross-group outputs
// until the pending list is empty or the hop cap fires (spec.md
// §4.10). The returned RoutingResult carries only terminal outputs.
func (s *Supervisor) ExecuteBoundary(runID, scenarioID string, inputs []envelope.BoundaryDispatchInput) (envelope.RoutingResult, error) {
	pending := append([]envelope.BoundaryDispatchInput(nil), inputs...)
	var result envelope.RoutingResult

	for hop := 0; len(pending) > 0; hop++ {
		if hop > s.cfg.MaxRouteHops {
			return envelope.RoutingResult{}, fmt.Errorf("supervisor: boundary dispatch exceeded max route hops (%d)", s.cfg.MaxRouteHops)
		}

		byGroup := make(map[string][]envelope.BoundaryDispatchInput)
		var groupOrder []string
		for _, in := range pending {
			if _, seen := byGroup[in.DispatchGroup]; !seen {
				groupOrder = append(groupOrder, in.DispatchGroup)
			}
			byGroup[in.DispatchGroup] = append(byGroup[in.DispatchGroup], in)
		}
		pending = pending[:0]

		for _, group := range groupOrder {
			groupInputs := byGroup[group]
			nextPending, err := s.dispatchOneGroup(runID, scenarioID, group, groupInputs, &result)
			if err != nil {
				return envelope.RoutingResult{}, err
			}
			pending = append(pending, nextPending...)
		}
	}

	return result, nil
}

func (s *Supervisor) dispatchOneGroup(runID, scenarioID, group string, groupInputs []envelope.BoundaryDispatchInput, result *envelope.RoutingResult) ([]envelope.BoundaryDispatchInput, error) {
	start := time.Now()

	h, err := s.pickWorker(group)
	if err != nil {
		return nil, err
	}

	payloadBytes, err := json.Marshal(groupInputs)
	if err != nil {
		return nil, fmt.Errorf("supervisor: marshal boundary inputs for group %s: %w", group, err)
	}

	klog.Op().Info("boundary_dispatch_started", "run_id", runID, "scenario_id", scenarioID, "dispatch_group", group, "worker_id", h.ID, "ts_ms", time.Now().UnixMilli())

	if err := h.conn.Send(controlplane.Message{Kind: kindExecuteBoundary, Payload: payloadBytes}); err != nil {
		h.alive.Store(false)
		klog.Op().Warn("control_channel_unavailable", "worker_id", h.ID, "process_group", group, "ts_ms", time.Now().UnixMilli())
		kmetrics.RecordBoundaryDispatch(group, "connection_error", time.Since(start).Milliseconds())
		return nil, &ConnectionError{Group: group}
	}

	respCh := make(chan controlplane.Message, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := h.conn.Recv()
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	var resp controlplane.Message
	select {
	case resp = <-respCh:
	case <-errCh:
		h.alive.Store(false)
		klog.Op().Warn("control_channel_unavailable", "worker_id", h.ID, "process_group", group, "ts_ms", time.Now().UnixMilli())
		kmetrics.RecordBoundaryDispatch(group, "connection_error", time.Since(start).Milliseconds())
		return nil, &ConnectionError{Group: group}
	case <-time.After(s.cfg.BoundaryTimeout):
		kmetrics.RecordBoundaryDispatch(group, "timeout", time.Since(start).Milliseconds())
		return nil, &TimeoutError{Group: group}
	}

	var nextPending []envelope.BoundaryDispatchInput

	switch resp.Kind {
	case kindExecuteBoundaryResult:
		var out boundaryResultPayload
		if err := json.Unmarshal(resp.Payload, &out); err != nil {
			return nil, fmt.Errorf("supervisor: decode boundary result from group %s: %w", group, err)
		}
		hop := maxRouteHop(groupInputs) + 1
		for _, we := range out.TerminalOutputs {
			env := we.toEnvelope()
			if env.Target == "" {
				result.TerminalOutputs = append(result.TerminalOutputs, env)
				continue
			}
			nextGroup, ok := s.resolveGroup(env.Target)
			if !ok {
				return nil, fmt.Errorf("supervisor: unknown target group for node %q", env.Target)
			}
			nextPending = append(nextPending, envelope.BoundaryDispatchInput{
				Payload:       env.Payload,
				DispatchGroup: nextGroup,
				Target:        env.Target,
				TraceID:       env.TraceID,
				ReplyTo:       env.ReplyTo,
				SourceGroup:   group,
				RouteHop:      hop,
				SpanID:        env.SpanID,
			})
		}
		kmetrics.RecordBoundaryDispatch(group, "success", time.Since(start).Milliseconds())

	case kindExecuteBoundaryError:
		var errPayload boundaryErrorPayload
		_ = json.Unmarshal(resp.Payload, &errPayload)
		kmetrics.RecordBoundaryDispatch(group, "error", time.Since(start).Milliseconds())
		switch errPayload.Category {
		case "timeout":
			return nil, &TimeoutError{Group: group}
		case "transport":
			return nil, &ConnectionError{Group: group}
		default:
			return nil, &ExecutionError{Group: group, Detail: errPayload.Message}
		}

	default:
		return nil, fmt.Errorf("supervisor: unexpected boundary response kind %q from group %s", resp.Kind, group)
	}

	klog.Op().Info("boundary_dispatch_completed", "run_id", runID, "scenario_id", scenarioID, "dispatch_group", group, "worker_id", h.ID, "ts_ms", time.Now().UnixMilli())
	return nextPending, nil
}
