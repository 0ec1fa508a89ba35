// Package handler provides the admin HTTP handlers of a node.
package handler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/devrev/pairdb/statetransfer/internal/consumer"
	"github.com/devrev/pairdb/statetransfer/internal/errors"
	"github.com/devrev/pairdb/statetransfer/internal/model"
	"github.com/devrev/pairdb/statetransfer/internal/node"
	"github.com/devrev/pairdb/statetransfer/internal/transfer"
	"github.com/devrev/pairdb/statetransfer/internal/util/workerpool"
	"go.uber.org/zap"
)

// TopologyResponse describes the topology installed on the node
type TopologyResponse struct {
	Node        model.Address       `json:"node"`
	Coordinator model.Address       `json:"coordinator"`
	ViewID      uint64              `json:"view_id"`
	Topology    *model.TopologySpec `json:"topology"`
}

// StateTransferResponse describes the transfers the node takes part in
type StateTransferResponse struct {
	Node               model.Address       `json:"node"`
	Inbound            consumer.Status     `json:"inbound"`
	Outbound           []transfer.TaskInfo `json:"outbound"`
	OutboundPool       workerpool.Stats    `json:"outbound_pool"`
	LocalTransactions  int                 `json:"local_transactions"`
	RemoteTransactions int                 `json:"remote_transactions"`
	MinTopologyID      int                 `json:"min_topology_id"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Status      string `json:"status"`
	ErrorCode   int    `json:"error_code"`
	Message     string `json:"message"`
	Coordinator string `json:"coordinator,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

// Handlers serves the admin API of one node
type Handlers struct {
	node    *node.Node
	logger  *zap.Logger
	timeout time.Duration
}

// NewHandlers creates handlers for n. Calls into the coordinator are bounded
// by timeout.
func NewHandlers(n *node.Node, timeout time.Duration, logger *zap.Logger) *Handlers {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Handlers{
		node:    n,
		logger:  logger,
		timeout: timeout,
	}
}

// GetTopology handles GET /v1/topology
func (h *Handlers) GetTopology(w http.ResponseWriter, r *http.Request) {
	ltm := h.node.Topology
	h.writeJSONResponse(w, http.StatusOK, TopologyResponse{
		Node:        h.node.Address(),
		Coordinator: ltm.Coordinator(),
		ViewID:      ltm.ViewID(),
		Topology:    ltm.CurrentTopology().Spec(),
	})
}

// GetRebalance handles GET /v1/rebalance. Any member answers; only the
// coordinator reports rebalance progress.
func (h *Handlers) GetRebalance(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status, err := h.node.Coordinator.Status(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, status)
}

// TriggerRebalance handles POST /v1/rebalance
func (h *Handlers) TriggerRebalance(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.node.Coordinator.TriggerRebalance(ctx); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("Rebalance triggered", zap.String("request_id", requestID(r)))
	h.writeStatus(ctx, w, r)
}

// EnableRebalancing handles POST /v1/rebalance/enable
func (h *Handlers) EnableRebalancing(w http.ResponseWriter, r *http.Request) {
	h.setRebalancing(w, r, true)
}

// DisableRebalancing handles POST /v1/rebalance/disable
func (h *Handlers) DisableRebalancing(w http.ResponseWriter, r *http.Request) {
	h.setRebalancing(w, r, false)
}

func (h *Handlers) setRebalancing(w http.ResponseWriter, r *http.Request, enabled bool) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.node.Coordinator.SetRebalancingEnabled(ctx, enabled); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("Rebalancing switched over admin API",
		zap.Bool("enabled", enabled),
		zap.String("request_id", requestID(r)))
	h.writeStatus(ctx, w, r)
}

// GetStateTransfer handles GET /v1/state-transfer
func (h *Handlers) GetStateTransfer(w http.ResponseWriter, r *http.Request) {
	txs := h.node.Transactions
	outbound := h.node.Provider.Tasks()
	if outbound == nil {
		outbound = []transfer.TaskInfo{}
	}
	h.writeJSONResponse(w, http.StatusOK, StateTransferResponse{
		Node:               h.node.Address(),
		Inbound:            h.node.Consumer.Status(),
		Outbound:           outbound,
		OutboundPool:       h.node.Provider.PoolStats(),
		LocalTransactions:  txs.LocalCount(),
		RemoteTransactions: txs.RemoteCount(),
		MinTopologyID:      txs.MinTopologyID(),
	})
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"node":        h.node.Address(),
		"topology_id": h.node.Topology.CurrentTopologyID(),
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}

func (h *Handlers) writeStatus(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	status, err := h.node.Coordinator.Status(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, status)
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.GetCode(err)
	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: int(code),
		Message:   err.Error(),
		RequestID: requestID(r),
	}

	status := http.StatusInternalServerError
	switch code {
	case errors.ErrCodeNotCoordinator:
		status = http.StatusConflict
		var te *errors.TransferError
		if stderrors.As(err, &te) {
			if coordinator, ok := te.Details["coordinator"].(string); ok {
				resp.Coordinator = coordinator
			}
		}
	case errors.ErrCodeInvalidArgument, errors.ErrCodeConfiguration:
		status = http.StatusBadRequest
	case errors.ErrCodeCancelled:
		status = http.StatusServiceUnavailable
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Admin request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", resp.RequestID),
			zap.Error(err))
	}
	h.writeJSONResponse(w, status, resp)
}

func requestID(r *http.Request) string {
	return r.Header.Get("X-Request-ID")
}

func (h *Handlers) writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
