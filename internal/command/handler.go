// Package command implements the control plane: a JSON-RPC channel over
// Unix Domain Socket that the CLI (and, in production, the trigger layer)
// uses to query status/stats, trigger a config reload, request shutdown,
// and drive the two event-builder callbacks spec §6 names: setL1Processed
// and requestNonZSData.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/na62exp/eventbuilder/internal/event"
	"github.com/na62exp/eventbuilder/internal/sourceid"
)

// Builder is the subset of eventbuilder.Builder the control plane drives.
// Declared locally to avoid a dependency cycle (eventbuilder would
// otherwise need to import command for the reverse wiring).
type Builder interface {
	SourceIDManager() *sourceid.Manager
	Counters() *event.Counters
	Pool() *event.EventPool
	SetL1Processed(eventNumber uint32)
	RequestNonZSData(eventNumber uint32, expectedFragmentCount int)
	SetL2Accepted(eventNumber uint32, accepted bool)
	AdvanceBurst(burstID uint32)
	CurrentBurstID() uint32
}

// ConfigReloader reloads global configuration in place.
type ConfigReloader interface {
	Reload() error
}

// CommandHandler handles control plane commands.
type CommandHandler struct {
	builder        Builder
	configReloader ConfigReloader
	shutdownFunc   func()
	startTime      time.Time
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(builder Builder, reloader ConfigReloader) *CommandHandler {
	return &CommandHandler{
		builder:        builder,
		configReloader: reloader,
		startTime:      time.Now(),
	}
}

// SetShutdownFunc sets the callback invoked by the shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes, mirroring the JSON-RPC 2.0 reserved range.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	slog.Debug("handling command", "method", cmd.Method, "id", cmd.ID)

	switch cmd.Method {
	case "ping":
		return Response{ID: cmd.ID, Result: "pong"}
	case "status":
		return h.handleStatus(cmd)
	case "stats":
		return h.handleStats(cmd)
	case "reload":
		return h.handleReload(cmd)
	case "shutdown":
		return h.handleShutdown(cmd)
	case "set_l1_processed":
		return h.handleSetL1Processed(cmd)
	case "request_nonzs_data":
		return h.handleRequestNonZSData(cmd)
	case "set_l2_accepted":
		return h.handleSetL2Accepted(cmd)
	case "advance_burst":
		return h.handleAdvanceBurst(cmd)
	default:
		return errResponse(cmd.ID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}
}

func (h *CommandHandler) handleStatus(cmd Command) Response {
	ids := h.builder.SourceIDManager()
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"uptime_sec":       int64(time.Since(h.startTime).Seconds()),
			"num_sources":      ids.NumSources(),
			"num_l0_sources":   ids.NumL0Sources(),
			"num_l1_sources":   ids.NumL1Sources(),
			"event_pool_size":  h.builder.Pool().Size(),
			"current_burst_id": h.builder.CurrentBurstID(),
		},
	}
}

func (h *CommandHandler) handleStats(cmd Command) Response {
	ids := h.builder.SourceIDManager()
	counters := h.builder.Counters()

	perSource := make([]map[string]interface{}, 0, ids.NumSources())
	for num := 0; num < ids.NumSources(); num++ {
		perSource = append(perSource, map[string]interface{}{
			"detector":       ids.DetectorName(num),
			"source_num":     num,
			"missing_l0":     counters.MissingL0(num),
			"missing_l1":     counters.MissingL1(num),
			"duplicate_l0":   counters.DuplicateL0(num),
			"duplicate_l1":   counters.DuplicateL1(num),
			"oversize_l0":    counters.OversizeL0(num),
			"oversize_l1":    counters.OversizeL1(num),
		})
	}

	occupancy := 0
	h.builder.Pool().ForEach(func(e *event.Event) {
		if e.Unfinished() {
			occupancy++
		}
	})

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"spurious_l1_fragments":     counters.SpuriousL1(),
			"non_requested_l1_fragments": counters.NonRequestedL1(),
			"event_pool_occupancy":      occupancy,
			"current_burst_id":          h.builder.CurrentBurstID(),
			"sources":                   perSource,
		},
	}
}

func (h *CommandHandler) handleReload(cmd Command) Response {
	if h.configReloader == nil {
		return errResponse(cmd.ID, ErrCodeInternalError, "config reloader not available")
	}
	if err := h.configReloader.Reload(); err != nil {
		return errResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("reload failed: %v", err))
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"status": "reloaded"}}
}

func (h *CommandHandler) handleShutdown(cmd Command) Response {
	if h.shutdownFunc == nil {
		return errResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}
	slog.Info("shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc()
	return Response{ID: cmd.ID, Result: map[string]interface{}{"status": "shutting_down"}}
}

// EventNumberParams addresses a single event slot by its event number.
type EventNumberParams struct {
	EventNumber uint32 `json:"event_number"`
}

func (h *CommandHandler) handleSetL1Processed(cmd Command) Response {
	var params EventNumberParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return errResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	h.builder.SetL1Processed(params.EventNumber)
	return Response{ID: cmd.ID, Result: map[string]interface{}{"event_number": params.EventNumber, "status": "l1_processed"}}
}

// RequestNonZSDataParams requests the non-zero-suppressed readout path for
// one event.
type RequestNonZSDataParams struct {
	EventNumber           uint32 `json:"event_number"`
	ExpectedFragmentCount int    `json:"expected_fragment_count"`
}

func (h *CommandHandler) handleRequestNonZSData(cmd Command) Response {
	var params RequestNonZSDataParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return errResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	h.builder.RequestNonZSData(params.EventNumber, params.ExpectedFragmentCount)
	return Response{ID: cmd.ID, Result: map[string]interface{}{"event_number": params.EventNumber, "status": "nonzs_requested"}}
}

// SetL2AcceptedParams records the final trigger decision for one event.
type SetL2AcceptedParams struct {
	EventNumber uint32 `json:"event_number"`
	Accepted    bool   `json:"accepted"`
}

func (h *CommandHandler) handleSetL2Accepted(cmd Command) Response {
	var params SetL2AcceptedParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return errResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	h.builder.SetL2Accepted(params.EventNumber, params.Accepted)
	return Response{ID: cmd.ID, Result: map[string]interface{}{"event_number": params.EventNumber, "status": "l2_recorded"}}
}

// AdvanceBurstParams starts a new burst epoch.
type AdvanceBurstParams struct {
	BurstID uint32 `json:"burst_id"`
}

func (h *CommandHandler) handleAdvanceBurst(cmd Command) Response {
	var params AdvanceBurstParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return errResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	h.builder.AdvanceBurst(params.BurstID)
	return Response{ID: cmd.ID, Result: map[string]interface{}{"burst_id": params.BurstID, "status": "advanced"}}
}

func errResponse(id string, code int, message string) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: message}}
}
