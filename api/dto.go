/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALUES:
  Values are always integers in the reward type's smallest unit (cents for
  money, minutes for time). BalanceDTO additionally carries a display string
  scaled by the unit kind; clients must not send display values back.

VALIDATION:
  Validation is done by the ledger, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/reward-ledger/ledger"
)

// =============================================================================
// ENTITIES
// =============================================================================

type FamilyDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

type CreateFamilyRequest struct {
	Name string `json:"name"`
}

type UserDTO struct {
	ID          string  `json:"id"`
	FamilyID    string  `json:"family_id"`
	Role        string  `json:"role"`
	DisplayName string  `json:"display_name"`
	Active      bool    `json:"active"`
	CreatedAt   string  `json:"created_at"`
	DeletedAt   *string `json:"deleted_at,omitempty"`
}

type CreateUserRequest struct {
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
}

// UpdateUserRequest: omitted fields are left unchanged. Role is accepted only
// to reject changes to it.
type UpdateUserRequest struct {
	Role        *string `json:"role,omitempty"`
	DisplayName *string `json:"display_name,omitempty"`
	Active      *bool   `json:"active,omitempty"`
}

type DeleteUserResponse struct {
	Status         string `json:"status"`
	AccountsClosed int    `json:"accounts_closed"`
}

type RewardTypeDTO struct {
	ID        string `json:"id"`
	FamilyID  string `json:"family_id"`
	Name      string `json:"name"`
	UnitKind  string `json:"unit_kind"`
	UnitLabel string `json:"unit_label"`
	CreatedAt string `json:"created_at"`
}

type CreateRewardTypeRequest struct {
	Name      string `json:"name"`
	UnitKind  string `json:"unit_kind"`
	UnitLabel string `json:"unit_label,omitempty"`
}

type RenameRewardTypeRequest struct {
	Name string `json:"name"`
}

type AuditEntryDTO struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id,omitempty"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
}

// =============================================================================
// LEDGER
// =============================================================================

// RewardRequest is the body of grant and spend.
type RewardRequest struct {
	FamilyID       string `json:"family_id"`
	ChildID        string `json:"child_id"`
	RewardTypeID   string `json:"reward_type_id"`
	Value          int64  `json:"value"`
	Note           string `json:"note,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	GuardianID     string `json:"guardian_id,omitempty"`
}

type ApplyResultDTO struct {
	TransactionID string `json:"transaction_id"`
	NewBalance    int64  `json:"new_balance"`
	Replayed      bool   `json:"replayed,omitempty"`
}

type ReverseRequest struct {
	FamilyID   string `json:"family_id"`
	Note       string `json:"note,omitempty"`
	GuardianID string `json:"guardian_id,omitempty"`
}

type BalanceDTO struct {
	FamilyID     string `json:"family_id"`
	ChildID      string `json:"child_id"`
	RewardTypeID string `json:"reward_type_id"`
	Balance      int64  `json:"balance"`
	Display      string `json:"display"`
	UnitKind     string `json:"unit_kind"`
	UnitLabel    string `json:"unit_label"`
	Closed       bool   `json:"closed"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

type TransactionDTO struct {
	ID             string `json:"id"`
	FamilyID       string `json:"family_id"`
	ChildID        string `json:"child_id"`
	RewardTypeID   string `json:"reward_type_id"`
	Type           string `json:"type"`
	Value          int64  `json:"value"`
	Note           string `json:"note"`
	IdempotencyKey string `json:"idempotency_key"`
	CreatedBy      string `json:"created_by,omitempty"`
	ReversesID     string `json:"reverses_id,omitempty"`
	BalanceAfter   int64  `json:"balance_after"`
	CreatedAt      string `json:"created_at"`
}

type TransactionPageDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	NextCursor   string           `json:"next_cursor,omitempty"`
}

// =============================================================================
// SCENARIOS / ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type ScenarioStepDTO struct {
	Action  string `json:"action"`
	Key     string `json:"idempotency_key,omitempty"`
	Outcome string `json:"outcome"`
	Balance int64  `json:"balance"`
}

type LoadScenarioResponse struct {
	Status     string            `json:"status"`
	ScenarioID string            `json:"scenario"`
	FamilyID   string            `json:"family_id"`
	Steps      []ScenarioStepDTO `json:"steps"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toFamilyDTO(f ledger.Family) FamilyDTO {
	return FamilyDTO{ID: string(f.ID), Name: f.Name, CreatedAt: formatTime(f.CreatedAt)}
}

func toUserDTO(u ledger.User) UserDTO {
	dto := UserDTO{
		ID:          string(u.ID),
		FamilyID:    string(u.FamilyID),
		Role:        string(u.Role),
		DisplayName: u.DisplayName,
		Active:      u.Active,
		CreatedAt:   formatTime(u.CreatedAt),
	}
	if u.DeletedAt != nil {
		s := formatTime(*u.DeletedAt)
		dto.DeletedAt = &s
	}
	return dto
}

func toRewardTypeDTO(rt ledger.RewardType) RewardTypeDTO {
	return RewardTypeDTO{
		ID:        string(rt.ID),
		FamilyID:  string(rt.FamilyID),
		Name:      rt.Name,
		UnitKind:  string(rt.UnitKind),
		UnitLabel: rt.UnitLabel,
		CreatedAt: formatTime(rt.CreatedAt),
	}
}

func toAuditEntryDTO(e ledger.AuditEntry) AuditEntryDTO {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return AuditEntryDTO{
		ID:        e.ID,
		ActorID:   string(e.ActorID),
		Action:    string(e.Action),
		Payload:   payload,
		CreatedAt: formatTime(e.CreatedAt),
	}
}

func toApplyResultDTO(res ledger.ApplyResult) ApplyResultDTO {
	return ApplyResultDTO{
		TransactionID: string(res.TransactionID),
		NewBalance:    res.NewBalance,
		Replayed:      res.Replayed,
	}
}

func toBalanceDTO(b ledger.Balance, rt ledger.RewardType) BalanceDTO {
	return BalanceDTO{
		FamilyID:     string(b.FamilyID),
		ChildID:      string(b.Account.ChildID),
		RewardTypeID: string(b.Account.RewardTypeID),
		Balance:      b.Value,
		Display:      rt.UnitKind.ToDisplay(b.Value).String(),
		UnitKind:     string(rt.UnitKind),
		UnitLabel:    rt.UnitLabel,
		Closed:       b.Closed,
		UpdatedAt:    formatTime(b.UpdatedAt),
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:             string(tx.ID),
		FamilyID:       string(tx.FamilyID),
		ChildID:        string(tx.Account.ChildID),
		RewardTypeID:   string(tx.Account.RewardTypeID),
		Type:           string(tx.Type),
		Value:          tx.Value,
		Note:           tx.Note,
		IdempotencyKey: tx.IdempotencyKey,
		CreatedBy:      string(tx.CreatedBy),
		ReversesID:     string(tx.ReversesID),
		BalanceAfter:   tx.BalanceAfter,
		CreatedAt:      formatTime(tx.CreatedAt),
	}
}

func toTransactionPageDTO(p ledger.Page) TransactionPageDTO {
	dtos := make([]TransactionDTO, len(p.Transactions))
	for i, tx := range p.Transactions {
		dtos[i] = toTransactionDTO(tx)
	}
	return TransactionPageDTO{Transactions: dtos, NextCursor: p.NextCursor}
}

func (r RewardRequest) toApply(typ ledger.TransactionType) ledger.ApplyRequest {
	return ledger.ApplyRequest{
		FamilyID:       ledger.FamilyID(r.FamilyID),
		ChildID:        ledger.UserID(r.ChildID),
		RewardTypeID:   ledger.RewardTypeID(r.RewardTypeID),
		Type:           typ,
		Value:          r.Value,
		Note:           r.Note,
		IdempotencyKey: r.IdempotencyKey,
		GuardianID:     ledger.UserID(r.GuardianID),
	}
}
