package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListScenarios(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})
	rec := a.do("GET", "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	list := decode[[]ScenarioDTO](t, rec)
	require.Len(t, list, len(scenarioLoaders))
	for _, s := range list {
		assert.Contains(t, scenarioLoaders, s.ID)
	}
}

func TestLoadScenario_AllowanceBasics(t *testing.T) {
	// GIVEN: a fresh server
	a := newTestAPI(t, RouterOptions{})

	// WHEN: loading the allowance scenario
	rec := a.do("POST", "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "allowance-basics"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[LoadScenarioResponse](t, rec)

	// THEN: grant, spend, rejected overspend, replay
	require.Len(t, resp.Steps, 4)
	outcomes := []string{"committed", "committed", "insufficient_balance", "replayed"}
	balances := []int64{10000, 5000, 5000, 10000}
	for i, step := range resp.Steps {
		assert.Equal(t, outcomes[i], step.Outcome, step.Action)
		assert.Equal(t, balances[i], step.Balance, step.Action)
	}

	// AND: the family is browsable through the normal API
	rec = a.do("GET", "/api/transactions?family_id="+resp.FamilyID+"&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[TransactionPageDTO](t, rec).Transactions, 2)
}

func TestLoadScenario_ScreenTimeEndsWithRefund(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})
	rec := a.do("POST", "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "screen-time"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[LoadScenarioResponse](t, rec)

	require.Len(t, resp.Steps, 6)
	assert.Equal(t, "insufficient_balance", resp.Steps[4].Outcome)
	last := resp.Steps[5]
	assert.Equal(t, "committed", last.Outcome)
	assert.Equal(t, int64(90), last.Balance)
}

func TestLoadScenario_CreatesNewFamilyEachTime(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})
	var ids []string
	for i := 0; i < 2; i++ {
		rec := a.do("POST", "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "mixed-units"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		ids = append(ids, decode[LoadScenarioResponse](t, rec).FamilyID)
	}
	assert.NotEqual(t, ids[0], ids[1])

	rec := a.do("GET", "/api/families", nil)
	assert.Len(t, decode[[]FamilyDTO](t, rec), 2)
}

func TestLoadScenario_Unknown(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})
	rec := a.do("POST", "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "year-end-rollover"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// TOOLS
// =============================================================================

func TestCallTool_GrantSpendQuery(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})
	f := a.seed()

	call := func(tool string, params any) *ToolResponse {
		t.Helper()
		raw, err := json.Marshal(params)
		require.NoError(t, err)
		rec := a.do("POST", "/api/tools", ToolRequest{Tool: tool, Params: raw})
		if rec.Code != http.StatusOK {
			return nil
		}
		resp := decode[ToolResponse](t, rec)
		return &resp
	}

	require.NotNil(t, call("grant_reward", f.reward(400, "t1")))
	require.NotNil(t, call("spend_reward", f.reward(150, "t2")))
	assert.Nil(t, call("spend_reward", f.reward(1000, "t3")), "overspend fails")

	resp := call("query_balance", balanceParams{FamilyID: f.family.ID, ChildID: f.child.ID, RewardTypeID: f.money.ID})
	require.NotNil(t, resp)
	data := resp.Data.(map[string]any)
	assert.Equal(t, float64(250), data["balance"])
	assert.Equal(t, "2.5", data["display"])

	resp = call("list_transactions", ListTransactionsParams{FamilyID: f.family.ID, Type: "debit"})
	require.NotNil(t, resp)
	txs := resp.Data.(map[string]any)["transactions"].([]any)
	assert.Len(t, txs, 1)
}

func TestCallTool_CreateRewardTypeAndReverse(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})
	f := a.seed()

	raw, _ := json.Marshal(map[string]any{"family_id": f.family.ID, "name": "Minutes", "unit_kind": "time"})
	rec := a.do("POST", "/api/tools", ToolRequest{Tool: "create_reward_type", Params: raw})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do("POST", "/api/rewards/grant", f.reward(50, "g"))
	require.Equal(t, http.StatusCreated, rec.Code)
	grant := decode[ApplyResultDTO](t, rec)

	raw, _ = json.Marshal(map[string]any{"family_id": f.family.ID, "transaction_id": grant.TransactionID})
	rec = a.do("POST", "/api/tools", ToolRequest{Tool: "reverse_transaction", Params: raw})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decode[ToolResponse](t, rec).Data.(map[string]any)
	assert.Equal(t, float64(0), data["new_balance"])
}

func TestCallTool_Errors(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})

	rec := a.do("POST", "/api/tools", ToolRequest{Tool: "adjust_transaction", Params: json.RawMessage(`{}`)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do("POST", "/api/tools", ToolRequest{Tool: "grant_reward"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decode[ErrorResponse](t, rec).Kind)

	rec = a.do("POST", "/api/tools", ToolRequest{Tool: "query_balance", Params: json.RawMessage(`{"family_id":"nope","child_id":"c","reward_type_id":"r"}`)})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
