/*
handlers.go - HTTP API handlers for the family reward ledger

PURPOSE:
  Exposes the ledger via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to the ledger services.

ENDPOINTS:
  Families:
    POST   /api/families                             Create family
    GET    /api/families                             List families
    GET    /api/families/{familyID}                  Get family
    GET    /api/families/{familyID}/audit            Audit log, newest first

  Users:
    POST   /api/families/{familyID}/users            Create guardian or child
    GET    /api/families/{familyID}/users            List users
    GET    /api/families/{familyID}/users/{userID}   Get user
    PATCH  /api/families/{familyID}/users/{userID}   Rename / (de)activate
    DELETE /api/families/{familyID}/users/{userID}   Delete child (history kept)

  Reward types:
    POST   /api/families/{familyID}/reward_types       Create
    GET    /api/families/{familyID}/reward_types       List
    GET    /api/families/{familyID}/reward_types/{id}  Get
    PATCH  /api/families/{familyID}/reward_types/{id}  Rename

  Ledger:
    POST   /api/rewards/grant                 Credit
    POST   /api/rewards/spend                 Debit
    GET    /api/balances                      ?family_id&child_id&reward_type_id
    GET    /api/transactions                  ?family_id&child_id&reward_type_id&type&limit&before
    GET    /api/transactions/{id}             ?family_id
    POST   /api/transactions/{id}/reverse     Compensating transaction

REQUEST FLOW:
  1. Parse HTTP request
  2. Call the ledger (validation lives there)
  3. Serialize response
  4. Map errors by kind (errors.go)

ERROR HANDLING:
  - 400: validation_error
  - 404: not_found
  - 409: insufficient_balance, idempotency_conflict, duplicate reward type
  - 503: storage_failure (safe to retry with the same idempotency key)

SEE ALSO:
  - dto.go: Request/response data structures
  - tools.go: Tool-call dispatch over the same operations
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/reward-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Directory *ledger.Directory
	Engine    *ledger.Engine
	Query     *ledger.Query

	health Pinger
	log    logrus.FieldLogger
}

// NewHandler creates a handler over one store. health may be nil.
func NewHandler(dir *ledger.Directory, engine *ledger.Engine, query *ledger.Query, health Pinger, log logrus.FieldLogger) *Handler {
	return &Handler{
		Directory: dir,
		Engine:    engine,
		Query:     query,
		health:    health,
		log:       log.WithField("component", "api"),
	}
}

// Health returns 200 when the store answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, string(ledger.KindStorageFailure), "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// FAMILY HANDLERS
// =============================================================================

func (h *Handler) CreateFamily(w http.ResponseWriter, r *http.Request) {
	var req CreateFamilyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body", err)
		return
	}
	f, err := h.Directory.CreateFamily(r.Context(), req.Name)
	if err != nil {
		h.fail(w, r, "Failed to create family", err)
		return
	}
	writeJSON(w, http.StatusCreated, toFamilyDTO(f))
}

func (h *Handler) ListFamilies(w http.ResponseWriter, r *http.Request) {
	families, err := h.Directory.ListFamilies(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list families", err)
		return
	}
	dtos := make([]FamilyDTO, len(families))
	for i, f := range families {
		dtos[i] = toFamilyDTO(f)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetFamily(w http.ResponseWriter, r *http.Request) {
	f, err := h.Directory.GetFamily(r.Context(), familyParam(r))
	if err != nil {
		h.fail(w, r, "Failed to get family", err)
		return
	}
	writeJSON(w, http.StatusOK, toFamilyDTO(f))
}

// ListAudit returns the family's audit log, newest first.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		h.fail(w, r, "Invalid limit", err)
		return
	}
	entries, err := h.Directory.ListAudit(r.Context(), familyParam(r), limit)
	if err != nil {
		h.fail(w, r, "Failed to list audit log", err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// USER HANDLERS
// =============================================================================

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body", err)
		return
	}
	u, err := h.Directory.CreateUser(r.Context(), ledger.NewUser{
		FamilyID:    familyParam(r),
		Role:        ledger.Role(req.Role),
		DisplayName: req.DisplayName,
	})
	if err != nil {
		h.fail(w, r, "Failed to create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Directory.ListUsers(r.Context(), familyParam(r))
	if err != nil {
		h.fail(w, r, "Failed to list users", err)
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.Directory.GetUser(r.Context(), familyParam(r), ledger.UserID(chi.URLParam(r, "userID")))
	if err != nil {
		h.fail(w, r, "Failed to get user", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req UpdateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body", err)
		return
	}
	ctx := r.Context()
	familyID := familyParam(r)
	userID := ledger.UserID(chi.URLParam(r, "userID"))

	if req.Role != nil {
		current, err := h.Directory.GetUser(ctx, familyID, userID)
		if err != nil {
			h.fail(w, r, "Failed to update user", err)
			return
		}
		if ledger.Role(*req.Role) != current.Role {
			h.fail(w, r, "Failed to update user", ledger.ErrRoleImmutable)
			return
		}
	}

	u, err := h.Directory.UpdateUser(ctx, familyID, userID, ledger.UserUpdate{
		DisplayName: req.DisplayName,
		Active:      req.Active,
	})
	if err != nil {
		h.fail(w, r, "Failed to update user", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

// DeleteUser deletes a child. Transactions are kept and the child's accounts
// are closed; guardians cannot be deleted.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	closed, err := h.Directory.DeleteChild(r.Context(), familyParam(r), ledger.UserID(chi.URLParam(r, "userID")))
	if err != nil {
		h.fail(w, r, "Failed to delete user", err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteUserResponse{Status: "deleted", AccountsClosed: closed})
}

// =============================================================================
// REWARD TYPE HANDLERS
// =============================================================================

func (h *Handler) CreateRewardType(w http.ResponseWriter, r *http.Request) {
	var req CreateRewardTypeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body", err)
		return
	}
	dto, err := h.createRewardType(r.Context(), familyParam(r), req)
	if err != nil {
		h.fail(w, r, "Failed to create reward type", err)
		return
	}
	writeJSON(w, http.StatusCreated, dto)
}

func (h *Handler) ListRewardTypes(w http.ResponseWriter, r *http.Request) {
	rts, err := h.Directory.ListRewardTypes(r.Context(), familyParam(r))
	if err != nil {
		h.fail(w, r, "Failed to list reward types", err)
		return
	}
	dtos := make([]RewardTypeDTO, len(rts))
	for i, rt := range rts {
		dtos[i] = toRewardTypeDTO(rt)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetRewardType(w http.ResponseWriter, r *http.Request) {
	rt, err := h.Directory.GetRewardType(r.Context(), familyParam(r), ledger.RewardTypeID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get reward type", err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardTypeDTO(rt))
}

// RenameRewardType changes the name only; unit kind and label are fixed.
func (h *Handler) RenameRewardType(w http.ResponseWriter, r *http.Request) {
	var req RenameRewardTypeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body", err)
		return
	}
	rt, err := h.Directory.RenameRewardType(r.Context(), familyParam(r), ledger.RewardTypeID(chi.URLParam(r, "id")), req.Name)
	if err != nil {
		h.fail(w, r, "Failed to rename reward type", err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardTypeDTO(rt))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	h.applyHTTP(w, r, ledger.TxCredit)
}

func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	h.applyHTTP(w, r, ledger.TxDebit)
}

// applyHTTP answers 201 for a new transaction and 200 for a replay.
func (h *Handler) applyHTTP(w http.ResponseWriter, r *http.Request, typ ledger.TransactionType) {
	var req RewardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body", err)
		return
	}
	res, err := h.Engine.Apply(r.Context(), req.toApply(typ))
	if err != nil {
		h.fail(w, r, "Failed to apply "+string(typ), err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toApplyResultDTO(res))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dto, err := h.balance(r.Context(), q.Get("family_id"), q.Get("child_id"), q.Get("reward_type_id"))
	if err != nil {
		h.fail(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intQuery(r, "limit")
	if err != nil {
		h.fail(w, r, "Invalid limit", err)
		return
	}
	page, err := h.listTransactions(r.Context(), ListTransactionsParams{
		FamilyID:     q.Get("family_id"),
		ChildID:      q.Get("child_id"),
		RewardTypeID: q.Get("reward_type_id"),
		Type:         q.Get("type"),
		Limit:        limit,
		Before:       q.Get("before"),
	})
	if err != nil {
		h.fail(w, r, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	familyID := r.URL.Query().Get("family_id")
	if familyID == "" {
		h.fail(w, r, "Failed to get transaction", &ledger.ValidationError{Field: "family_id", Reason: "required"})
		return
	}
	tx, err := h.Query.GetTransaction(r.Context(), ledger.FamilyID(familyID), ledger.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body", err)
		return
	}
	res, err := h.reverse(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.fail(w, r, "Failed to reverse transaction", err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// =============================================================================
// OPERATIONS - shared by REST handlers and tool calls
// =============================================================================

// ListTransactionsParams is the filter accepted over HTTP and by the
// list_transactions tool.
type ListTransactionsParams struct {
	FamilyID     string `json:"family_id"`
	ChildID      string `json:"child_id,omitempty"`
	RewardTypeID string `json:"reward_type_id,omitempty"`
	Type         string `json:"type,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	Before       string `json:"before,omitempty"`
}

func (h *Handler) createRewardType(ctx context.Context, familyID ledger.FamilyID, req CreateRewardTypeRequest) (RewardTypeDTO, error) {
	rt, err := h.Directory.CreateRewardType(ctx, ledger.NewRewardType{
		FamilyID:  familyID,
		Name:      req.Name,
		UnitKind:  ledger.UnitKind(req.UnitKind),
		UnitLabel: req.UnitLabel,
	})
	if err != nil {
		return RewardTypeDTO{}, err
	}
	return toRewardTypeDTO(rt), nil
}

func (h *Handler) balance(ctx context.Context, familyID, childID, rtID string) (BalanceDTO, error) {
	if err := required("family_id", familyID, "child_id", childID, "reward_type_id", rtID); err != nil {
		return BalanceDTO{}, err
	}
	b, err := h.Query.GetBalance(ctx, ledger.FamilyID(familyID), ledger.UserID(childID), ledger.RewardTypeID(rtID))
	if err != nil {
		return BalanceDTO{}, err
	}
	rt, err := h.Directory.GetRewardType(ctx, b.FamilyID, b.Account.RewardTypeID)
	if err != nil {
		return BalanceDTO{}, err
	}
	return toBalanceDTO(b, rt), nil
}

func (h *Handler) listTransactions(ctx context.Context, p ListTransactionsParams) (TransactionPageDTO, error) {
	if p.FamilyID == "" {
		return TransactionPageDTO{}, &ledger.ValidationError{Field: "family_id", Reason: "required"}
	}
	filter := ledger.TransactionFilter{
		ChildID:      ledger.UserID(p.ChildID),
		RewardTypeID: ledger.RewardTypeID(p.RewardTypeID),
		Type:         ledger.TransactionType(p.Type),
		Limit:        p.Limit,
	}
	if p.Before != "" {
		c, err := ledger.DecodeCursor(p.Before)
		if err != nil {
			return TransactionPageDTO{}, err
		}
		filter.Before = c
	}
	page, err := h.Query.ListTransactions(ctx, ledger.FamilyID(p.FamilyID), filter)
	if err != nil {
		return TransactionPageDTO{}, err
	}
	return toTransactionPageDTO(page), nil
}

func (h *Handler) reverse(ctx context.Context, txID string, req ReverseRequest) (ApplyResultDTO, error) {
	res, err := h.Engine.Reverse(ctx, ledger.ReverseRequest{
		FamilyID:      ledger.FamilyID(req.FamilyID),
		TransactionID: ledger.TransactionID(txID),
		Note:          req.Note,
		GuardianID:    ledger.UserID(req.GuardianID),
	})
	if err != nil {
		return ApplyResultDTO{}, err
	}
	return toApplyResultDTO(res), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func familyParam(r *http.Request) ledger.FamilyID {
	return ledger.FamilyID(chi.URLParam(r, "familyID"))
}

// intQuery parses an optional integer query parameter; absent means 0.
func intQuery(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &ledger.ValidationError{Field: name, Reason: "must be an integer"}
	}
	return n, nil
}

// required takes name/value pairs and reports the first empty value.
func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return &ledger.ValidationError{Field: pairs[i], Reason: "required"}
		}
	}
	return nil
}
