package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/warp/reward-ledger/ledger"
)

// ToolRequest is the body of POST /api/tools.
type ToolRequest struct {
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
}

type ToolResponse struct {
	Tool string `json:"tool"`
	Data any    `json:"data"`
}

type toolFunc func(h *Handler, ctx context.Context, params json.RawMessage) (any, error)

type createRewardTypeParams struct {
	FamilyID string `json:"family_id"`
	CreateRewardTypeRequest
}

type balanceParams struct {
	FamilyID     string `json:"family_id"`
	ChildID      string `json:"child_id"`
	RewardTypeID string `json:"reward_type_id"`
}

type reverseParams struct {
	TransactionID string `json:"transaction_id"`
	ReverseRequest
}

// tools maps tool names to operations. Every tool goes through the same
// ledger services and error mapping as the REST routes.
var tools = map[string]toolFunc{
	"create_reward_type": func(h *Handler, ctx context.Context, raw json.RawMessage) (any, error) {
		var p createRewardTypeParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if err := required("family_id", p.FamilyID); err != nil {
			return nil, err
		}
		return h.createRewardType(ctx, ledger.FamilyID(p.FamilyID), p.CreateRewardTypeRequest)
	},
	"grant_reward": func(h *Handler, ctx context.Context, raw json.RawMessage) (any, error) {
		return applyTool(h, ctx, raw, ledger.TxCredit)
	},
	"spend_reward": func(h *Handler, ctx context.Context, raw json.RawMessage) (any, error) {
		return applyTool(h, ctx, raw, ledger.TxDebit)
	},
	"query_balance": func(h *Handler, ctx context.Context, raw json.RawMessage) (any, error) {
		var p balanceParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return h.balance(ctx, p.FamilyID, p.ChildID, p.RewardTypeID)
	},
	"list_transactions": func(h *Handler, ctx context.Context, raw json.RawMessage) (any, error) {
		var p ListTransactionsParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return h.listTransactions(ctx, p)
	},
	"reverse_transaction": func(h *Handler, ctx context.Context, raw json.RawMessage) (any, error) {
		var p reverseParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if err := required("transaction_id", p.TransactionID); err != nil {
			return nil, err
		}
		return h.reverse(ctx, p.TransactionID, p.ReverseRequest)
	},
}

func applyTool(h *Handler, ctx context.Context, raw json.RawMessage, typ ledger.TransactionType) (any, error) {
	var p RewardRequest
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	res, err := h.Engine.Apply(ctx, p.toApply(typ))
	if err != nil {
		return nil, err
	}
	return toApplyResultDTO(res), nil
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return &ledger.ValidationError{Field: "params", Reason: "required"}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &ledger.ValidationError{Field: "params", Reason: err.Error()}
	}
	return nil
}

// ToolNames lists the registered tools, sorted.
func ToolNames() []string {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallTool dispatches {tool, params} to the matching operation.
func (h *Handler) CallTool(w http.ResponseWriter, r *http.Request) {
	var req ToolRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body", err)
		return
	}
	fn, ok := tools[req.Tool]
	if !ok {
		badRequest(w, "Unknown tool", fmt.Errorf("tool %q is not one of %v", req.Tool, ToolNames()))
		return
	}
	data, err := fn(h, r.Context(), req.Params)
	if err != nil {
		h.fail(w, r, "Tool "+req.Tool+" failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ToolResponse{Tool: req.Tool, Data: data})
}
