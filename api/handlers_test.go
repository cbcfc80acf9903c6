/*
handlers_test.go - HTTP tests for the ledger API

Tests run against the real chi router over the in-memory store:
- Entity CRUD and scoping
- Grant / spend status codes and error kinds
- Balance display scaling, history pagination, reversal
- Bearer authentication
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testAPI struct {
	t      *testing.T
	router *chi.Mux
	token  string
}

func newTestAPI(t *testing.T, opts RouterOptions) *testAPI {
	t.Helper()
	log, _ := test.NewNullLogger()
	mem := store.NewMemory()
	h := NewHandler(
		ledger.NewDirectory(mem, log),
		ledger.NewEngine(mem, log),
		ledger.NewQuery(mem, ledger.WithPageSizes(2, 5)),
		nil,
		log,
	)
	return &testAPI{t: t, router: NewRouter(h, opts), token: opts.APIToken}
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type familyFixture struct {
	family   FamilyDTO
	guardian UserDTO
	child    UserDTO
	money    RewardTypeDTO
}

func (a *testAPI) seed() familyFixture {
	a.t.Helper()
	var f familyFixture

	rec := a.do("POST", "/api/families", CreateFamilyRequest{Name: "Rivera"})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	f.family = decode[FamilyDTO](a.t, rec)

	base := "/api/families/" + f.family.ID
	rec = a.do("POST", base+"/users", CreateUserRequest{Role: "guardian", DisplayName: "Mom"})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	f.guardian = decode[UserDTO](a.t, rec)

	rec = a.do("POST", base+"/users", CreateUserRequest{Role: "child", DisplayName: "Alex"})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	f.child = decode[UserDTO](a.t, rec)

	rec = a.do("POST", base+"/reward_types", CreateRewardTypeRequest{Name: "Allowance", UnitKind: "money"})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	f.money = decode[RewardTypeDTO](a.t, rec)
	return f
}

func (f familyFixture) reward(value int64, key string) RewardRequest {
	return RewardRequest{
		FamilyID:       f.family.ID,
		ChildID:        f.child.ID,
		RewardTypeID:   f.money.ID,
		Value:          value,
		IdempotencyKey: key,
	}
}

func (f familyFixture) balancePath() string {
	return "/api/balances?family_id=" + f.family.ID + "&child_id=" + f.child.ID + "&reward_type_id=" + f.money.ID
}

// =============================================================================
// LEDGER ENDPOINTS
// =============================================================================

func TestGrantSpend_Scenarios(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})
	f := a.seed()

	// Scenario A: grant on a zero balance
	rec := a.do("POST", "/api/rewards/grant", f.reward(10000, "g1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(10000), decode[ApplyResultDTO](t, rec).NewBalance)

	// Scenario B: spend
	rec = a.do("POST", "/api/rewards/spend", f.reward(5000, "s1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(5000), decode[ApplyResultDTO](t, rec).NewBalance)

	// Scenario C: overspend is rejected
	rec = a.do("POST", "/api/rewards/spend", f.reward(6000, "s2"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient_balance", decode[ErrorResponse](t, rec).Kind)

	// Scenario D: replayed grant
	rec = a.do("POST", "/api/rewards/grant", f.reward(10000, "g1"))
	assert.Equal(t, http.StatusOK, rec.Code)
	res := decode[ApplyResultDTO](t, rec)
	assert.Equal(t, int64(10000), res.NewBalance)
	assert.True(t, res.Replayed)

	// THEN: balance is 5000, displayed in currency units
	rec = a.do("GET", f.balancePath(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decode[BalanceDTO](t, rec)
	assert.Equal(t, int64(5000), bal.Balance)
	assert.Equal(t, "50", bal.Display)
	assert.Equal(t, "money", bal.UnitKind)
}

func TestGrant_ErrorMapping(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})
	f := a.seed()
	require.Equal(t, http.StatusCreated, a.do("POST", "/api/rewards/grant", f.reward(100, "k")).Code)

	tests := []struct {
		name   string
		body   any
		status int
		kind   string
	}{
		{"zero value", f.reward(0, "z"), http.StatusBadRequest, "validation_error"},
		{"missing key", f.reward(5, ""), http.StatusBadRequest, "validation_error"},
		{"unknown child", func() RewardRequest { r := f.reward(5, "u"); r.ChildID = "nobody"; return r }(), http.StatusBadRequest, "validation_error"},
		{"key reused with another value", f.reward(999, "k"), http.StatusConflict, "idempotency_conflict"},
		{"malformed body", "not an object", http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do("POST", "/api/rewards/grant", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.kind, decode[ErrorResponse](t, rec).Kind)
		})
	}
}

func TestGrant_FractionalValueRejected(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})
	f := a.seed()
	body := `{"family_id":"` + f.family.ID + `","child_id":"` + f.child.ID +
		`","reward_type_id":"` + f.money.ID + `","value":12.5,"idempotency_key":"frac"}`

	req := httptest.NewRequest("POST", "/api/rewards/grant", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGrant_ConcurrentDuplicatesAnswerOneCreated(t *testing.T) {
	// GIVEN: the same grant posted by many clients at once
	a := newTestAPI(t, RouterOptions{})
	f := a.seed()
	body, err := json.Marshal(f.reward(300, "dup"))
	require.NoError(t, err)

	const clients = 20
	codes := make([]int, clients)
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest("POST", "/api/rewards/grant", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			a.router.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}()
	}
	wg.Wait()

	// THEN: one 201, every other answer is a 200 replay
	created := 0
	for _, code := range codes {
		switch code {
		case http.StatusCreated:
			created++
		default:
			assert.Equal(t, http.StatusOK, code)
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, int64(300), decode[BalanceDTO](t, a.do("GET", f.balancePath(), nil)).Balance)
}

func TestGetBalance_NotFoundAndMissingParams(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})
	f := a.seed()

	rec := a.do("GET", "/api/balances?family_id="+f.family.ID+"&child_id=ghost&reward_type_id="+f.money.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Kind)

	rec = a.do("GET", "/api/balances?family_id="+f.family.ID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTransactions_Pagination(t *testing.T) {
	// GIVEN: five grants, page size defaults to 2 in this router
	a := newTestAPI(t, RouterOptions{})
	f := a.seed()
	for i, key := range []string{"a", "b", "c", "d", "e"} {
		rec := a.do("POST", "/api/rewards/grant", f.reward(int64(i+1), key))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	// WHEN: walking pages with next_cursor
	var seen []TransactionDTO
	path := "/api/transactions?family_id=" + f.family.ID
	for pages := 0; pages < 10; pages++ {
		rec := a.do("GET", path, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		page := decode[TransactionPageDTO](t, rec)
		seen = append(seen, page.Transactions...)
		if page.NextCursor == "" {
			break
		}
		path = "/api/transactions?family_id=" + f.family.ID + "&before=" + page.NextCursor
	}

	// THEN: every transaction once, newest first
	require.Len(t, seen, 5)
	assert.Equal(t, "e", seen[0].IdempotencyKey)
	assert.Equal(t, "a", seen[4].IdempotencyKey)
	assert.Equal(t, int64(15), seen[0].BalanceAfter)
}

func TestListTransactions_BadInput(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})
	f := a.seed()

	for _, q := range []string{
		"",
		"?family_id=" + f.family.ID + "&limit=abc",
		"?family_id=" + f.family.ID + "&limit=-1",
		"?family_id=" + f.family.ID + "&type=refund",
		"?family_id=" + f.family.ID + "&before=%25%25",
	} {
		rec := a.do("GET", "/api/transactions"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestReverseTransaction(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})
	f := a.seed()
	rec := a.do("POST", "/api/rewards/grant", f.reward(700, "g"))
	require.Equal(t, http.StatusCreated, rec.Code)
	grant := decode[ApplyResultDTO](t, rec)

	// WHEN: reversing the grant twice
	body := ReverseRequest{FamilyID: f.family.ID, GuardianID: f.guardian.ID}
	rec = a.do("POST", "/api/transactions/"+grant.TransactionID+"/reverse", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[ApplyResultDTO](t, rec)

	rec = a.do("POST", "/api/transactions/"+grant.TransactionID+"/reverse", body)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[ApplyResultDTO](t, rec)

	// THEN: one compensating debit, balance back to zero
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, int64(0), second.NewBalance)

	rec = a.do("GET", "/api/transactions/"+first.TransactionID+"?family_id="+f.family.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tx := decode[TransactionDTO](t, rec)
	assert.Equal(t, "debit", tx.Type)
	assert.Equal(t, grant.TransactionID, tx.ReversesID)
	assert.Equal(t, f.guardian.ID, tx.CreatedBy)

	// AND: a reversal cannot itself be reversed
	rec = a.do("POST", "/api/transactions/"+first.TransactionID+"/reverse", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ENTITY ENDPOINTS
// =============================================================================

func TestRewardTypes(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})
	f := a.seed()
	base := "/api/families/" + f.family.ID + "/reward_types"

	rec := a.do("POST", base, CreateRewardTypeRequest{Name: "allowance", UnitKind: "points"})
	assert.Equal(t, http.StatusConflict, rec.Code, "names are unique per family, case-insensitive")

	rec = a.do("POST", base, CreateRewardTypeRequest{Name: "Gems", UnitKind: "crystals"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do("POST", base, CreateRewardTypeRequest{Name: "Stickers", UnitKind: "custom", UnitLabel: "stickers"})
	require.Equal(t, http.StatusCreated, rec.Code)
	stickers := decode[RewardTypeDTO](t, rec)
	assert.Equal(t, "stickers", stickers.UnitLabel)

	rec = a.do("PATCH", base+"/"+stickers.ID, RenameRewardTypeRequest{Name: "Gold Stars"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Gold Stars", decode[RewardTypeDTO](t, rec).Name)

	rec = a.do("GET", base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]RewardTypeDTO](t, rec), 2)
}

func TestUsers_ScopingAndRoles(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})
	f := a.seed()
	other := a.seed()

	// GIVEN: a child of another family
	rec := a.do("GET", "/api/families/"+f.family.ID+"/users/"+other.child.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// WHEN: trying to change a role
	role := "guardian"
	rec = a.do("PATCH", "/api/families/"+f.family.ID+"/users/"+f.child.ID, UpdateUserRequest{Role: &role})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// WHEN: renaming
	name := "Alexandra"
	rec = a.do("PATCH", "/api/families/"+f.family.ID+"/users/"+f.child.ID, UpdateUserRequest{DisplayName: &name})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Alexandra", decode[UserDTO](t, rec).DisplayName)

	// WHEN: deleting a guardian
	rec = a.do("DELETE", "/api/families/"+f.family.ID+"/users/"+f.guardian.ID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteChild_KeepsHistory(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})
	f := a.seed()
	require.Equal(t, http.StatusCreated, a.do("POST", "/api/rewards/grant", f.reward(300, "g")).Code)

	rec := a.do("DELETE", "/api/families/"+f.family.ID+"/users/"+f.child.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[DeleteUserResponse](t, rec).AccountsClosed)

	// THEN: balance is readable and closed, new grants are refused
	rec = a.do("GET", f.balancePath(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decode[BalanceDTO](t, rec)
	assert.True(t, bal.Closed)
	assert.Equal(t, int64(300), bal.Balance)

	rec = a.do("POST", "/api/rewards/grant", f.reward(1, "after"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do("GET", "/api/transactions?family_id="+f.family.ID+"&child_id="+f.child.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[TransactionPageDTO](t, rec).Transactions, 1)

	rec = a.do("GET", "/api/families/"+f.family.ID+"/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decode[[]AuditEntryDTO](t, rec)
	require.NotEmpty(t, audit)
	assert.Equal(t, "child_deleted", audit[0].Action)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestBearerAuth(t *testing.T) {
	a := newTestAPI(t, RouterOptions{APIToken: "s3cret"})

	rec := a.do("GET", "/api/families", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	a.token = "wrong"
	rec = a.do("GET", "/api/families", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode[ErrorResponse](t, rec).Kind)

	a.token = ""
	rec = a.do("GET", "/api/families", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays open
	rec = a.do("GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealth_ReportsStoreDown(t *testing.T) {
	log, _ := test.NewNullLogger()
	mem := store.NewMemory()
	h := NewHandler(ledger.NewDirectory(mem, log), ledger.NewEngine(mem, log), ledger.NewQuery(mem), downPinger{}, log)

	rec := httptest.NewRecorder()
	NewRouter(h, RouterOptions{}).ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(ledger.ErrDuplicateRewardType))
	assert.Equal(t, http.StatusBadRequest, statusFor(ledger.ErrAccountClosed))
	assert.Equal(t, http.StatusNotFound, statusFor(&ledger.NotFoundError{Entity: "family", ID: "x"}))
	assert.Equal(t, http.StatusConflict, statusFor(&ledger.InsufficientBalanceError{}))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(errors.New("disk full")))
}
