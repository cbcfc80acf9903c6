/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Provides pre-built scenarios that populate the ledger with realistic
	data for demos. Each scenario creates a NEW family with its guardians,
	children and reward types, then runs a scripted series of grants and
	spends through the engine.

AVAILABLE SCENARIOS:
	allowance-basics: grant, spend, rejected overspend, replayed grant
	screen-time:      minutes earned and spent, one reversal
	mixed-units:      two children, money + points + a custom unit

HOW SCENARIOS WORK:
 1. Create family, guardian, children, reward types
 2. Run steps through Engine.Apply / Engine.Reverse
 3. Record each step's outcome (committed, replayed, or the error kind)

Existing data is never reset; loading a scenario twice creates two families.

USAGE VIA API:
	POST /api/scenarios/load
	{"scenario_id": "allowance-basics"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Add a loader to 'scenarioLoaders'

SEE ALSO:
  - handlers.go: Ledger endpoints used to inspect the result
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/reward-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "allowance-basics",
		Name:        "Allowance Basics",
		Description: "Grant $100, spend $50, attempt a $60 overspend, retry the first grant",
		Category:    "money",
	},
	{
		ID:          "screen-time",
		Name:        "Screen Time",
		Description: "Minutes earned for chores and spent on games, one spend reversed",
		Category:    "time",
	},
	{
		ID:          "mixed-units",
		Name:        "Mixed Units",
		Description: "Two children with money, points and a custom sticker unit",
		Category:    "mixed",
	},
}

type scenarioLoader func(ctx context.Context, s *scenarioRun) error

var scenarioLoaders = map[string]scenarioLoader{
	"allowance-basics": loadAllowanceBasics,
	"screen-time":      loadScreenTime,
	"mixed-units":      loadMixedUnits,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario creates a new family populated by the chosen scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "Invalid request body", err)
		return
	}
	resp, err := h.loadScenario(r.Context(), req.ScenarioID)
	if err != nil {
		h.fail(w, r, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) loadScenario(ctx context.Context, id string) (LoadScenarioResponse, error) {
	load, ok := scenarioLoaders[id]
	if !ok {
		return LoadScenarioResponse{}, &ledger.ValidationError{Field: "scenario_id", Reason: fmt.Sprintf("unknown scenario %q", id)}
	}
	var name string
	for _, s := range scenarios {
		if s.ID == id {
			name = s.Name
		}
	}
	fam, err := h.Directory.CreateFamily(ctx, name+" Family")
	if err != nil {
		return LoadScenarioResponse{}, err
	}
	run := &scenarioRun{h: h, family: fam, steps: []ScenarioStepDTO{}}
	if err := load(ctx, run); err != nil {
		return LoadScenarioResponse{}, err
	}
	h.log.WithField("scenario", id).WithField("family_id", fam.ID).Info("scenario loaded")
	return LoadScenarioResponse{
		Status:     "loaded",
		ScenarioID: id,
		FamilyID:   string(fam.ID),
		Steps:      run.steps,
	}, nil
}

// =============================================================================
// SCENARIO RUN - helpers shared by loaders
// =============================================================================

type scenarioRun struct {
	h        *Handler
	family   ledger.Family
	guardian ledger.User
	steps    []ScenarioStepDTO
}

func (s *scenarioRun) user(ctx context.Context, role ledger.Role, name string) (ledger.User, error) {
	u, err := s.h.Directory.CreateUser(ctx, ledger.NewUser{FamilyID: s.family.ID, Role: role, DisplayName: name})
	if err == nil && role == ledger.RoleGuardian && s.guardian.ID == "" {
		s.guardian = u
	}
	return u, err
}

func (s *scenarioRun) rewardType(ctx context.Context, name string, kind ledger.UnitKind, label string) (ledger.RewardType, error) {
	return s.h.Directory.CreateRewardType(ctx, ledger.NewRewardType{
		FamilyID:  s.family.ID,
		Name:      name,
		UnitKind:  kind,
		UnitLabel: label,
	})
}

// apply runs one step. Business rejections (insufficient balance, conflicts)
// are recorded as outcomes; anything else aborts the scenario.
func (s *scenarioRun) apply(ctx context.Context, child ledger.User, rt ledger.RewardType, typ ledger.TransactionType, value int64, key, note string) (ledger.ApplyResult, error) {
	res, err := s.h.Engine.Apply(ctx, ledger.ApplyRequest{
		FamilyID:       s.family.ID,
		ChildID:        child.ID,
		RewardTypeID:   rt.ID,
		Type:           typ,
		Value:          value,
		Note:           note,
		IdempotencyKey: key,
		GuardianID:     s.guardian.ID,
	})
	action := fmt.Sprintf("%s %d %s (%s)", typ, value, rt.UnitLabel, child.DisplayName)
	return res, s.record(ctx, action, key, child, rt, res, err)
}

func (s *scenarioRun) reverse(ctx context.Context, child ledger.User, rt ledger.RewardType, txID ledger.TransactionID, note string) error {
	res, err := s.h.Engine.Reverse(ctx, ledger.ReverseRequest{
		FamilyID:      s.family.ID,
		TransactionID: txID,
		Note:          note,
		GuardianID:    s.guardian.ID,
	})
	return s.record(ctx, "reverse "+string(txID), "", child, rt, res, err)
}

func (s *scenarioRun) record(ctx context.Context, action, key string, child ledger.User, rt ledger.RewardType, res ledger.ApplyResult, err error) error {
	step := ScenarioStepDTO{Action: action, Key: key}
	switch kind := ledger.KindOf(err); {
	case err == nil && res.Replayed:
		step.Outcome = "replayed"
		step.Balance = res.NewBalance
	case err == nil:
		step.Outcome = "committed"
		step.Balance = res.NewBalance
	case kind == ledger.KindInsufficientBalance || kind == ledger.KindIdempotencyConflict:
		step.Outcome = string(kind)
		b, berr := s.h.Query.GetBalance(ctx, s.family.ID, child.ID, rt.ID)
		if berr != nil {
			return berr
		}
		step.Balance = b.Value
	default:
		return err
	}
	s.steps = append(s.steps, step)
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadAllowanceBasics(ctx context.Context, s *scenarioRun) error {
	if _, err := s.user(ctx, ledger.RoleGuardian, "Mom"); err != nil {
		return err
	}
	alex, err := s.user(ctx, ledger.RoleChild, "Alex")
	if err != nil {
		return err
	}
	allowance, err := s.rewardType(ctx, "Allowance", ledger.UnitMoney, "")
	if err != nil {
		return err
	}

	steps := []struct {
		typ   ledger.TransactionType
		value int64
		key   string
		note  string
	}{
		{ledger.TxCredit, 10000, "g1", "weekly allowance"},
		{ledger.TxDebit, 5000, "s1", "toy store"},
		{ledger.TxDebit, 6000, "s2", "video game"},
		{ledger.TxCredit, 10000, "g1", "weekly allowance (retry)"},
	}
	for _, st := range steps {
		if _, err := s.apply(ctx, alex, allowance, st.typ, st.value, st.key, st.note); err != nil {
			return err
		}
	}
	return nil
}

func loadScreenTime(ctx context.Context, s *scenarioRun) error {
	if _, err := s.user(ctx, ledger.RoleGuardian, "Dad"); err != nil {
		return err
	}
	sam, err := s.user(ctx, ledger.RoleChild, "Sam")
	if err != nil {
		return err
	}
	minutes, err := s.rewardType(ctx, "Screen Time", ledger.UnitTime, "")
	if err != nil {
		return err
	}

	for i, chore := range []string{"made bed", "homework", "dishes"} {
		if _, err := s.apply(ctx, sam, minutes, ledger.TxCredit, 30, fmt.Sprintf("chore-%d", i+1), chore); err != nil {
			return err
		}
	}
	game, err := s.apply(ctx, sam, minutes, ledger.TxDebit, 45, "play-1", "minecraft")
	if err != nil {
		return err
	}
	if _, err := s.apply(ctx, sam, minutes, ledger.TxDebit, 60, "play-2", "movie"); err != nil {
		return err
	}
	return s.reverse(ctx, sam, minutes, game.TransactionID, "power outage, refund")
}

func loadMixedUnits(ctx context.Context, s *scenarioRun) error {
	if _, err := s.user(ctx, ledger.RoleGuardian, "Grandma"); err != nil {
		return err
	}
	kids := make([]ledger.User, 0, 2)
	for _, name := range []string{"Riley", "Jordan"} {
		u, err := s.user(ctx, ledger.RoleChild, name)
		if err != nil {
			return err
		}
		kids = append(kids, u)
	}
	money, err := s.rewardType(ctx, "Pocket Money", ledger.UnitMoney, "")
	if err != nil {
		return err
	}
	points, err := s.rewardType(ctx, "Reading Points", ledger.UnitPoints, "")
	if err != nil {
		return err
	}
	stickers, err := s.rewardType(ctx, "Stickers", ledger.UnitCustom, "stickers")
	if err != nil {
		return err
	}

	for i, kid := range kids {
		n := int64(i + 1)
		if _, err := s.apply(ctx, kid, money, ledger.TxCredit, 250*n, fmt.Sprintf("money-%d", i), "birthday"); err != nil {
			return err
		}
		if _, err := s.apply(ctx, kid, points, ledger.TxCredit, 40*n, fmt.Sprintf("points-%d", i), "finished a book"); err != nil {
			return err
		}
		if _, err := s.apply(ctx, kid, stickers, ledger.TxCredit, 5, fmt.Sprintf("stickers-%d", i), "good week"); err != nil {
			return err
		}
		if _, err := s.apply(ctx, kid, stickers, ledger.TxDebit, 3, fmt.Sprintf("stickers-spend-%d", i), "sticker book"); err != nil {
			return err
		}
	}
	return nil
}
