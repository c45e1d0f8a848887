package strategy

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trademaven/algoengine/internal/chase"
	"github.com/trademaven/algoengine/internal/journal"
	"github.com/trademaven/algoengine/internal/market"
	"github.com/trademaven/algoengine/internal/models"
	"github.com/trademaven/algoengine/internal/notify"
)

func init() {
	register(KindDeltaShift, func(id string, deps Deps, spec Spec) (Strategy, error) {
		if spec.DeltaShift == nil {
			return nil, fmt.Errorf("delta shift params missing")
		}
		return NewDeltaShift(id, deps, *spec.DeltaShift)
	})
}

// OIThresholds are the open-interest-change signal bounds for one index
// on one trading day. All values are percentages.
type OIThresholds struct {
	Change    float64 `yaml:"change"`
	ReentryOI float64 `yaml:"reentry_oi"`
	LessThan  float64 `yaml:"less_than"`
}

// IndexParams configures one parallel sub-strategy. The exit evaluator
// with the absolute-change check is used on days listed in CheckDays,
// the plain one on WithoutCheckDays; both lists are keyed by days to
// expiry.
type IndexParams struct {
	DayWise          map[int]OIThresholds `yaml:"day_wise"`
	WithoutCheckDays []int                `yaml:"one_side_without_check_exit"`
	CheckDays        []int                `yaml:"one_side_check_exit"`
}

// ManualStrikes resumes an index from already-open positions instead of
// searching entry strikes. A zero strike means that side is already
// exited.
type ManualStrikes struct {
	CEStrike float64 `yaml:"ce_strike"`
	PEStrike float64 `yaml:"pe_strike"`
}

// DeltaShiftParams configures the delta-shift-with-one-side-exit
// strangle. Delta and sigma bounds are percentages, converted to
// fractions at construction.
type DeltaShiftParams struct {
	Name    string
	Indexes []IndexParams

	MinDelta        []float64
	MaxDelta        float64
	ShiftMinDelta   float64
	ShiftMaxDelta   float64
	ShiftEntryDelta float64
	Multiplier      float64
	PointDifference float64
	SigmaDiff       float64
	SkipPrice       float64

	BuySlippage     float64
	SellSlippage    float64
	EntrySlippage   float64
	SleepTime       time.Duration

	EntryTime        DayTime
	ExitTime         DayTime
	OnesideCheckTime DayTime
	ExpiryCheckTime  DayTime

	// Entered resumes a deployment whose legs already exist in the
	// registry (or, with ManualLegs, from explicitly given strikes)
	// instead of placing fresh entry orders.
	Entered    bool
	ManualLegs map[int]ManualStrikes
}

func (p *DeltaShiftParams) setDefaults() {
	if p.Name == "" {
		p.Name = "delta shift"
	}
	if len(p.Indexes) == 0 {
		p.Indexes = []IndexParams{{}}
	}
	n := len(p.Indexes)
	if len(p.MinDelta) == 0 {
		p.MinDelta = make([]float64, 0, n)
	}
	for len(p.MinDelta) < n {
		p.MinDelta = append(p.MinDelta, 45.0)
	}
	if p.MaxDelta == 0 {
		p.MaxDelta = 58.0
	}
	if p.ShiftMinDelta == 0 {
		p.ShiftMinDelta = 30.0
	}
	if p.ShiftMaxDelta == 0 {
		p.ShiftMaxDelta = 58.0
	}
	if p.ShiftEntryDelta == 0 {
		p.ShiftEntryDelta = 45.0
	}
	if p.Multiplier == 0 {
		p.Multiplier = 1.0
	}
	if p.PointDifference == 0 {
		p.PointDifference = -50.0
	}
	if p.SigmaDiff == 0 {
		p.SigmaDiff = 50.0
	}
	if p.SkipPrice == 0 {
		p.SkipPrice = 5.0
	}
	if p.BuySlippage == 0 {
		p.BuySlippage = 5.0
	}
	if p.SellSlippage == 0 {
		p.SellSlippage = 5.0
	}
	if p.EntrySlippage == 0 {
		p.EntrySlippage = 10.0
	}
	if p.SleepTime == 0 {
		p.SleepTime = 10 * time.Second
	}
	if p.EntryTime.IsZero() {
		p.EntryTime = DayTime{9, 15, 10}
	}
	if p.ExitTime.IsZero() {
		p.ExitTime = DayTime{15, 25, 59}
	}
	if p.OnesideCheckTime.IsZero() {
		p.OnesideCheckTime = DayTime{15, 10, 0}
	}
	if p.ExpiryCheckTime.IsZero() {
		p.ExpiryCheckTime = DayTime{14, 45, 0}
	}
}

// DeltaShift runs the delta-shift-with-one-side-exit strangle for one
// deployment. Each index is an independent state machine over
// BOTH_OPEN, CE_ONLY_EXITED, PE_ONLY_EXITED and FLAT, advanced once per
// phase-aligned tick.
type DeltaShift struct {
	id     string
	deps   Deps
	p      DeltaShiftParams
	logger *log.Logger
	n      int

	// delta and sigma bounds as fractions
	minDelta        []float64
	maxDelta        float64
	shiftMinDelta   float64
	shiftMaxDelta   float64
	shiftEntryDelta float64
	sigmaDiff       float64

	// computed per trading day by initiate
	daysLeft       int
	onesideCheckAt time.Time
	expiryCheckAt  time.Time

	// last non-empty user list, so the flatten path can still place
	// closing orders after the deployment record is removed
	usersMu   sync.Mutex
	lastUsers []models.UserParams
}

// NewDeltaShift builds the strategy for one deployment id.
func NewDeltaShift(id string, deps Deps, p DeltaShiftParams) (*DeltaShift, error) {
	if err := deps.normalize(); err != nil {
		return nil, err
	}
	p.setDefaults()
	s := &DeltaShift{
		id:              id,
		deps:            deps,
		p:               p,
		logger:          deps.Logger,
		n:               len(p.Indexes),
		maxDelta:        p.MaxDelta / 100,
		shiftMinDelta:   p.ShiftMinDelta / 100,
		shiftMaxDelta:   p.ShiftMaxDelta / 100,
		shiftEntryDelta: p.ShiftEntryDelta / 100,
		sigmaDiff:       p.SigmaDiff / 100,
	}
	for _, d := range p.MinDelta {
		s.minDelta = append(s.minDelta, d/100)
	}
	return s, nil
}

// Kind reports the variant.
func (s *DeltaShift) Kind() Kind { return KindDeltaShift }

func (s *DeltaShift) now() time.Time { return s.deps.Scheduler.Now() }

// initiate derives the day-scoped cutoffs from the active expiry.
func (s *DeltaShift) initiate() error {
	now := s.now()
	expiry := s.deps.Market.Expiry()
	if expiry.IsZero() {
		return fmt.Errorf("active expiry not set in market store")
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	expiryDay := time.Date(expiry.Year(), expiry.Month(), expiry.Day(), 0, 0, 0, 0, now.Location())
	s.daysLeft = int(expiryDay.Sub(today).Hours() / 24)
	s.onesideCheckAt = s.p.OnesideCheckTime.On(now)
	s.expiryCheckAt = s.p.ExpiryCheckTime.On(expiryDay)
	return nil
}

// thresholds returns the OI signal bounds for the index on the current
// trading day.
func (s *DeltaShift) thresholds(idx int) (OIThresholds, error) {
	th, ok := s.p.Indexes[idx].DayWise[s.daysLeft]
	if !ok {
		return OIThresholds{}, fmt.Errorf("index %d: no parameters for %d days to expiry", idx, s.daysLeft)
	}
	return th, nil
}

// withLessCheck reports whether the index uses the exit evaluator that
// also requires the side's own OI change below the less-than bound.
func (s *DeltaShift) withLessCheck(idx int) bool {
	for _, d := range s.p.Indexes[idx].CheckDays {
		if d == s.daysLeft {
			return true
		}
	}
	return false
}

// Run drives the control loop until exit time, registry removal or ctx
// cancellation, then flattens every index.
func (s *DeltaShift) Run(ctx context.Context) error {
	if err := s.initiate(); err != nil {
		return err
	}

	if s.p.Entered && len(s.p.ManualLegs) > 0 {
		if err := s.resumeFromStrikes(); err != nil {
			return err
		}
	} else if s.p.Entered {
		if len(s.deps.Registry.LegAssignments(s.id)) == 0 {
			return fmt.Errorf("deployment %s marked entered but has no leg assignments", s.id)
		}
	} else {
		if err := s.placeEntry(ctx); err != nil {
			return err
		}
	}

	tick := s.p.SleepTime * time.Duration(s.n)
	if err := s.deps.Scheduler.AlignSleep(ctx, tick); err != nil {
		return s.flatten(ctx)
	}

	exitAt := s.p.ExitTime.On(s.now())
	exitTrigger := false
	for s.now().Before(exitAt) && s.deps.Registry.Running(s.id) {
		for idx := 0; idx < s.n; idx++ {
			s.tick(ctx, idx)
			s.deps.Metrics.Tick(s.id)

			if !s.now().Before(exitAt) || !s.deps.Registry.Running(s.id) || ctx.Err() != nil {
				exitTrigger = true
				break
			}
			if err := s.deps.Scheduler.AlignSleep(ctx, s.p.SleepTime); err != nil {
				exitTrigger = true
				break
			}
		}
		if exitTrigger {
			break
		}
	}
	return s.flatten(ctx)
}

// flatten runs the full exit path on a context that survives the
// loop's own cancellation, so a shutdown still closes positions.
func (s *DeltaShift) flatten(ctx context.Context) error {
	exitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()
	return s.ExitAlgo(exitCtx)
}

// resumeFromStrikes rebuilds the leg map from explicitly given strikes.
// An index missing one side resumes in the corresponding one-side
// exited state.
func (s *DeltaShift) resumeFromStrikes() error {
	chain := s.deps.Market.Chain()
	legs := map[int]models.LegAssignment{}
	for idx := 0; idx < s.n; idx++ {
		manual, ok := s.p.ManualLegs[idx]
		if !ok || (manual.CEStrike == 0 && manual.PEStrike == 0) {
			return fmt.Errorf("index %d: provide a CE strike or a PE strike", idx)
		}
		var leg models.LegAssignment
		if manual.CEStrike != 0 {
			row, ok := chain.ByStrike(manual.CEStrike, models.OptionCE)
			if !ok {
				return fmt.Errorf("index %d: CE strike %.0f not in chain", idx, manual.CEStrike)
			}
			leg.CETradingSymbol = row.TradingSymbol
		} else {
			leg.CEExitOneSide = true
		}
		if manual.PEStrike != 0 {
			row, ok := chain.ByStrike(manual.PEStrike, models.OptionPE)
			if !ok {
				return fmt.Errorf("index %d: PE strike %.0f not in chain", idx, manual.PEStrike)
			}
			leg.PETradingSymbol = row.TradingSymbol
		} else {
			leg.PEExitOneSide = true
		}
		if err := leg.Normalize(); err != nil {
			return fmt.Errorf("index %d: %w", idx, err)
		}
		legs[idx] = leg
	}
	return s.deps.Registry.SetLegAssignments(s.id, legs)
}

// placeEntry waits for the entry time, selects the initial strangle
// legs per index and sells them for every user.
func (s *DeltaShift) placeEntry(ctx context.Context) error {
	entryAt := s.p.EntryTime.On(s.now())
	if s.now().Before(entryAt) {
		if err := s.deps.Scheduler.SleepUntil(ctx, entryAt); err != nil {
			return err
		}
	}

	chain := s.deps.Market.Chain()
	users := s.users()
	legs := map[int]models.LegAssignment{}
	for idx := 0; idx < s.n; idx++ {
		ce, pe, ok := EntryStrikes(chain, s.minDelta[idx], s.maxDelta)
		if !ok {
			return fmt.Errorf("index %d: no entry strikes between %.0f and %.0f delta", idx, s.p.MinDelta[idx], s.p.MaxDelta)
		}
		sells := []models.OrderIntent{
			s.intent(pe, idx, "ENTERING PE"),
			s.intent(ce, idx, "ENTERING CE"),
		}
		s.placeForUsers(ctx, users, nil, sells)
		legs[idx] = models.LegAssignment{
			CETradingSymbol: ce.TradingSymbol,
			PETradingSymbol: pe.TradingSymbol,
		}
	}
	if err := s.deps.Registry.SetLegAssignments(s.id, legs); err != nil {
		return err
	}
	s.deps.alert(ctx, s.p.Name, "ALGO ENTERED!", notify.LevelSuccess)
	return nil
}

func (s *DeltaShift) intent(row models.Instrument, idx int, reason string) models.OrderIntent {
	return models.OrderIntent{
		Strike:        row.Strike,
		OptionType:    row.InstrumentType,
		ExpectedPrice: row.LastPrice,
		ExpectedTime:  s.now(),
		Index:         idx,
		Reason:        reason,
	}
}

func (s *DeltaShift) users() []models.UserParams {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	if rec, ok := s.deps.Registry.Deployment(s.id); ok {
		s.lastUsers = rec.UserParams
	}
	return s.lastUsers
}

// tick advances one index's state machine and places the resulting
// orders. The leg assignment is persisted only after every user's
// orders resolve.
func (s *DeltaShift) tick(ctx context.Context, idx int) {
	reg := s.deps.Registry
	users := s.users()
	reg.SetTickHold(s.id, true)
	defer reg.SetTickHold(s.id, false)

	legs := reg.LegAssignments(s.id)
	leg, ok := legs[idx]
	if !ok {
		return
	}
	chain := s.deps.Market.Chain()
	now := s.now()

	var ce, pe models.Instrument
	if leg.CETradingSymbol != "" {
		if ce, ok = chain.BySymbol(leg.CETradingSymbol); !ok {
			s.logger.Printf("%s idx %d: %s missing from chain, skipping tick", s.id, idx, leg.CETradingSymbol)
			return
		}
	}
	if leg.PETradingSymbol != "" {
		if pe, ok = chain.BySymbol(leg.PETradingSymbol); !ok {
			s.logger.Printf("%s idx %d: %s missing from chain, skipping tick", s.id, idx, leg.PETradingSymbol)
			return
		}
	}

	th, err := s.thresholds(idx)
	if err != nil {
		s.logger.Printf("%s idx %d: %v", s.id, idx, err)
		return
	}

	var makeCEExit, makePEExit, ceReentry, peReentry bool
	if sample, ok := s.deps.Market.LatestOI(); ok {
		makeCEExit, makePEExit, ceReentry, peReentry = s.evalOneSide(idx, sample, leg, th)
	}

	var buys, sells []models.OrderIntent
	if leg.ExitedOneSide {
		switch {
		case ceReentry && leg.CEExitOneSide:
			buys, sells, leg = s.ceReentryDecision(idx, chain, pe, leg, now)
		case peReentry && leg.PEExitOneSide:
			buys, sells, leg = s.peReentryDecision(idx, chain, ce, leg, now)
		}
	} else {
		switch {
		case makeCEExit:
			buys = append(buys, s.intent(ce, idx, "EXIT CE"))
			leg.CETradingSymbol = ""
			leg.CEExitOneSide = true
		case makePEExit:
			buys = append(buys, s.intent(pe, idx, "EXIT PE"))
			leg.PETradingSymbol = ""
			leg.PEExitOneSide = true
		default:
			buys, sells, leg.CETradingSymbol, leg.PETradingSymbol = s.checkShift(chain, idx, ce, pe, s.p.Multiplier, now)
		}
	}
	if err := leg.Normalize(); err != nil {
		s.logger.Printf("%s idx %d: %v", s.id, idx, err)
		return
	}

	s.placeForUsers(ctx, users, buys, sells)

	if err := reg.SetLegAssignment(s.id, idx, leg); err != nil {
		s.logger.Printf("%s idx %d: persist legs: %v", s.id, idx, err)
	}
	s.logState(idx, leg, chain)
}

func (s *DeltaShift) logState(idx int, leg models.LegAssignment, chain market.ChainSnapshot) {
	callDelta, putDelta := 0.0, 0.0
	cePrint, pePrint := "NONE", "NONE"
	if leg.CETradingSymbol != "" {
		if row, ok := chain.BySymbol(leg.CETradingSymbol); ok {
			callDelta = row.Delta * 100
		}
		cePrint = leg.CETradingSymbol
	}
	if leg.PETradingSymbol != "" {
		if row, ok := chain.BySymbol(leg.PETradingSymbol); ok {
			putDelta = row.Delta * 100
		}
		pePrint = leg.PETradingSymbol
	}
	hold := ""
	if s.deps.Registry.OneSideExitHold(s.id, idx) {
		hold = " [HOLD]"
	}
	s.logger.Printf("%s idx %d%s: %s %s CALL DELTA %.2f PUT DELTA %.2f TOTAL %.2f",
		s.id, idx, hold, cePrint, pePrint, callDelta, putDelta, callDelta+putDelta)
}

// evalOneSide applies the open-interest one-side exit and re-entry
// signal for one index. Change fields of the sample and all thresholds
// are fractions of OI over the lookback window.
func (s *DeltaShift) evalOneSide(idx int, sample models.OISample, leg models.LegAssignment, th OIThresholds) (makeCEExit, makePEExit, ceReentry, peReentry bool) {
	change := th.Change / 100
	reentryOI := th.ReentryOI / 100
	lessThan := th.LessThan / 100
	withLess := s.withLessCheck(idx)

	if !leg.ExitedOneSide &&
		sample.Timestamp.Before(s.onesideCheckAt) &&
		sample.Timestamp.Before(s.expiryCheckAt) &&
		!s.deps.Registry.OneSideExitHold(s.id, idx) {
		if sample.CEOIChange-sample.PEOIChange < change && (!withLess || sample.CEOIChange < lessThan) {
			makeCEExit = true
		} else if sample.PEOIChange-sample.CEOIChange < change && (!withLess || sample.PEOIChange < lessThan) {
			makePEExit = true
		}
	} else {
		if leg.CEExitOneSide && sample.CEOIChange-sample.PEOIChange > reentryOI {
			ceReentry = true
		} else if leg.PEExitOneSide && sample.PEOIChange-sample.CEOIChange > reentryOI {
			peReentry = true
		}
	}
	return makeCEExit, makePEExit, ceReentry, peReentry
}

// checkShift evaluates delta-imbalance rolling for one index with both
// legs open. The richer leg rolls to a strike matched by delta before
// the expiry-day cutoff and by last price after it, gated by the skip
// price and the implied-vol continuity bound. Exactly one buy (exit the
// old strike) and one sell (enter the new one) come out of a shift.
func (s *DeltaShift) checkShift(
	chain market.ChainSnapshot,
	idx int,
	ce, pe models.Instrument,
	multiplier float64,
	now time.Time,
) (buys, sells []models.OrderIntent, ceSym, peSym string) {
	ceSym, peSym = ce.TradingSymbol, pe.TradingSymbol
	spot := s.deps.Market.Spot()
	imbalance := math.Min(math.Abs(pe.Delta), ce.Delta) * multiplier
	beforeCutoff := !now.After(s.expiryCheckAt)

	switch {
	case pe.Delta+ce.Delta > imbalance && ce.LastPrice > s.p.SkipPrice:
		// Market drifting up: the call is rich.
		if ce.Strike-spot <= s.p.PointDifference {
			// Call still far enough away: roll it further out.
			var next models.Instrument
			var found bool
			if beforeCutoff {
				next, found = FindStrike(chain, spot, -pe.Delta, models.OptionCE, CmpGTE, FieldDelta)
			} else {
				next, found = FindStrike(chain, spot, pe.LastPrice, models.OptionCE, CmpGTE, FieldLastPrice)
			}
			if found && next.Strike != ce.Strike && math.Abs(next.Sigma-ce.Sigma) < s.sigmaDiff {
				buys = append(buys, s.intent(ce, idx, "EXIT CE - SHIFTING CALL AWAY"))
				sells = append(sells, s.intent(next, idx, "ENTER CE - SHIFTING CALL AWAY"))
				ceSym = next.TradingSymbol
			}
		} else {
			// Call too close to spot: bring the put in instead.
			var next models.Instrument
			var found bool
			if beforeCutoff {
				next, found = FindStrike(chain, spot, -ce.Delta, models.OptionPE, CmpGTE, FieldDelta)
			} else {
				next, found = FindStrike(chain, spot, ce.LastPrice, models.OptionPE, CmpLTE, FieldLastPrice)
			}
			if found && next.Strike != pe.Strike && math.Abs(next.Sigma-ce.Sigma) < s.sigmaDiff {
				buys = append(buys, s.intent(pe, idx, "EXIT PE - SHIFTING PUT IN"))
				sells = append(sells, s.intent(next, idx, "ENTER PE - SHIFTING PUT IN"))
				peSym = next.TradingSymbol
			}
		}
	case ce.Delta+pe.Delta < -imbalance && pe.LastPrice > s.p.SkipPrice:
		// Market drifting down: the put is rich.
		if pe.Strike-spot >= -s.p.PointDifference {
			var next models.Instrument
			var found bool
			if beforeCutoff {
				next, found = FindStrike(chain, spot, -ce.Delta, models.OptionPE, CmpLTE, FieldDelta)
			} else {
				next, found = FindStrike(chain, spot, ce.LastPrice, models.OptionPE, CmpGTE, FieldLastPrice)
			}
			if found && next.Strike != pe.Strike && math.Abs(next.Sigma-pe.Sigma) < s.sigmaDiff {
				buys = append(buys, s.intent(pe, idx, "EXIT PE - SHIFTING PUT AWAY"))
				sells = append(sells, s.intent(next, idx, "ENTER PE - SHIFTING PUT AWAY"))
				peSym = next.TradingSymbol
			}
		} else {
			var next models.Instrument
			var found bool
			if beforeCutoff {
				next, found = FindStrike(chain, spot, -pe.Delta, models.OptionCE, CmpLTE, FieldDelta)
			} else {
				next, found = FindStrike(chain, spot, pe.LastPrice, models.OptionCE, CmpLTE, FieldLastPrice)
			}
			if found && next.Strike != ce.Strike && math.Abs(next.Sigma-ce.Sigma) < s.sigmaDiff {
				buys = append(buys, s.intent(ce, idx, "EXIT CE - SHIFTING CALL IN"))
				sells = append(sells, s.intent(next, idx, "ENTER CE - SHIFTING CALL IN"))
				ceSym = next.TradingSymbol
			}
		}
	}
	return buys, sells, ceSym, peSym
}

// ceReentryDecision re-enters the exited call side. When the surviving
// put has drifted outside the shift bounds both legs restructure to
// fresh entry-delta strikes; otherwise a single call matching the
// put's delta is sold.
func (s *DeltaShift) ceReentryDecision(
	idx int,
	chain market.ChainSnapshot,
	pe models.Instrument,
	leg models.LegAssignment,
	now time.Time,
) (buys, sells []models.OrderIntent, out models.LegAssignment) {
	out = leg
	spot := s.deps.Market.Spot()

	peNext, peFound := FindStrike(chain, spot, -s.shiftEntryDelta, models.OptionPE, CmpLTE, FieldDelta)
	drifted := (pe.Delta > -s.shiftMinDelta && !now.After(s.expiryCheckAt)) || pe.Delta < -s.shiftMaxDelta
	if drifted && (!peFound || peNext.Strike != pe.Strike) {
		ceNext, ceFound := FindStrike(chain, spot, s.shiftEntryDelta, models.OptionCE, CmpLTE, FieldDelta)
		if peFound && ceFound {
			buys = append(buys, s.intent(pe, idx, "EXIT PE - RESTRUCTURING"))
			sells = append(sells,
				s.intent(peNext, idx, "ENTERING PE - RESTRUCTURING"),
				s.intent(ceNext, idx, "ENTERING CE - RESTRUCTURING"),
			)
			out.CETradingSymbol = ceNext.TradingSymbol
			out.PETradingSymbol = peNext.TradingSymbol
			out.ExitedOneSide = false
			out.CEExitOneSide = false
			return buys, sells, out
		}
	} else {
		ceNext, ceFound := FindStrike(chain, spot, -pe.Delta, models.OptionCE, CmpLTE, FieldDelta)
		if ceFound {
			sells = append(sells, s.intent(ceNext, idx, "ENTERING CE"))
			out.CETradingSymbol = ceNext.TradingSymbol
			out.ExitedOneSide = false
			out.CEExitOneSide = false
			return buys, sells, out
		}
	}
	return buys, sells, out
}

// peReentryDecision mirrors ceReentryDecision for the exited put side.
func (s *DeltaShift) peReentryDecision(
	idx int,
	chain market.ChainSnapshot,
	ce models.Instrument,
	leg models.LegAssignment,
	now time.Time,
) (buys, sells []models.OrderIntent, out models.LegAssignment) {
	out = leg
	spot := s.deps.Market.Spot()

	ceNext, ceFound := FindStrike(chain, spot, s.shiftEntryDelta, models.OptionCE, CmpGTE, FieldDelta)
	drifted := (ce.Delta < s.shiftMinDelta && !now.After(s.expiryCheckAt)) || ce.Delta > s.shiftMaxDelta
	if drifted && (!ceFound || ceNext.Strike != ce.Strike) {
		peNext, peFound := FindStrike(chain, spot, -s.shiftEntryDelta, models.OptionPE, CmpGTE, FieldDelta)
		if ceFound && peFound {
			buys = append(buys, s.intent(ce, idx, "EXIT CE - RESTRUCTURING"))
			sells = append(sells,
				s.intent(peNext, idx, "ENTERING PE - RESTRUCTURING"),
				s.intent(ceNext, idx, "ENTERING CE - RESTRUCTURING"),
			)
			out.CETradingSymbol = ceNext.TradingSymbol
			out.PETradingSymbol = peNext.TradingSymbol
			out.ExitedOneSide = false
			out.PEExitOneSide = false
			return buys, sells, out
		}
	} else {
		peNext, peFound := FindStrike(chain, spot, -ce.Delta, models.OptionPE, CmpGTE, FieldDelta)
		if peFound {
			sells = append(sells, s.intent(peNext, idx, "ENTERING PE"))
			out.PETradingSymbol = peNext.TradingSymbol
			out.ExitedOneSide = false
			out.PEExitOneSide = false
			return buys, sells, out
		}
	}
	return buys, sells, out
}

// placeForUsers fans the tick's intents out to every user. Buys are
// placed before sells so margin freed by closing a leg funds the new
// one. One user's failure never aborts the others.
func (s *DeltaShift) placeForUsers(ctx context.Context, users []models.UserParams, buys, sells []models.OrderIntent) {
	if len(buys)+len(sells) == 0 || len(users) == 0 {
		return
	}
	g := new(errgroup.Group)
	for _, user := range users {
		user := user
		g.Go(func() error {
			s.placeForUser(ctx, user, buys, sells)
			return nil
		})
	}
	g.Wait()
}

func (s *DeltaShift) placeForUser(ctx context.Context, user models.UserParams, buys, sells []models.OrderIntent) {
	eng, err := s.deps.Engines.ForUser(ctx, user)
	if err != nil {
		s.logger.Printf("%s: user %s dropped from tick: %v", s.id, user.User, err)
		return
	}
	for _, batch := range []struct {
		intents []models.OrderIntent
		txType  models.TransactionType
	}{{buys, models.TransactionBuy}, {sells, models.TransactionSell}} {
		g := new(errgroup.Group)
		for _, intent := range batch.intents {
			intent := intent
			txType := batch.txType
			g.Go(func() error {
				s.placeOne(ctx, eng, user, intent, txType)
				return nil
			})
		}
		g.Wait()
	}
}

func (s *DeltaShift) placeOne(ctx context.Context, eng *chase.Engine, user models.UserParams, intent models.OrderIntent, txType models.TransactionType) {
	slippage := s.p.SellSlippage
	if txType == models.TransactionBuy {
		slippage = s.p.BuySlippage
	}
	s.deps.Metrics.Intent(s.id, string(txType))
	res, err := eng.PlaceAndChase(ctx, chase.Request{
		Strike:          intent.Strike,
		OptionType:      intent.OptionType,
		TransactionType: txType,
		Quantity:        quantityFor(user, intent.Index),
		ExpectedPrice:   intent.ExpectedPrice,
		InitialSlippage: s.p.EntrySlippage,
		Slippage:        slippage,
		Tag:             intent.Reason,
	})
	if err != nil {
		s.logger.Printf("%s: %s %s %.0f%s failed: %v", s.id, user.User, txType, intent.Strike, intent.OptionType, err)
		return
	}
	if res.Status == models.StatusRejected {
		s.logger.Printf("%s: %s %s %.0f%s rejected: %s", s.id, user.User, txType, intent.Strike, intent.OptionType, res.ErrorMessage)
	}
	s.deps.Metrics.Order(user.Broker, string(res.Status))
	s.record(ctx, user, intent, txType, res)
}

func (s *DeltaShift) record(ctx context.Context, user models.UserParams, intent models.OrderIntent, txType models.TransactionType, res models.OrderResult) {
	if s.deps.Journal == nil {
		return
	}
	err := s.deps.Journal.Record(ctx, journal.Entry{
		DeploymentID:  s.id,
		StrategyIndex: intent.Index,
		User:          user.User,
		Broker:        user.Broker,
		OrderID:       res.OrderID,
		Strike:        intent.Strike,
		OptionType:    intent.OptionType,
		Transaction:   txType,
		Quantity:      quantityFor(user, intent.Index),
		ExpectedPrice: intent.ExpectedPrice,
		AveragePrice:  res.AveragePrice,
		Status:        res.Status,
		Reason:        intent.Reason,
		ErrorMessage:  res.ErrorMessage,
		PlacedAt:      res.EntryTime,
	})
	if err != nil {
		s.logger.Printf("%s: journal: %v", s.id, err)
	}
}

func quantityFor(user models.UserParams, idx int) int {
	if idx >= 0 && idx < len(user.QuantityMultiple) {
		return user.QuantityMultiple[idx]
	}
	return user.Quantity
}

// ExitLeg manually exits one side of an index that still has both legs
// open.
func (s *DeltaShift) ExitLeg(ctx context.Context, idx int, optType models.OptionType) error {
	if err := s.initiate(); err != nil {
		return err
	}
	if !optType.Valid() {
		return fmt.Errorf("invalid option type %q", optType)
	}
	reg := s.deps.Registry
	legs := reg.LegAssignments(s.id)
	leg, ok := legs[idx]
	if !ok {
		return fmt.Errorf("index %d has no leg assignment", idx)
	}
	if leg.ExitedOneSide {
		return fmt.Errorf("index %d already one-side exited", idx)
	}
	chain := s.deps.Market.Chain()

	var buys []models.OrderIntent
	if optType == models.OptionCE {
		row, ok := chain.BySymbol(leg.CETradingSymbol)
		if !ok {
			return fmt.Errorf("%s missing from chain", leg.CETradingSymbol)
		}
		buys = append(buys, s.intent(row, idx, "EXIT CE - MANUAL"))
		leg.CETradingSymbol = ""
		leg.CEExitOneSide = true
	} else {
		row, ok := chain.BySymbol(leg.PETradingSymbol)
		if !ok {
			return fmt.Errorf("%s missing from chain", leg.PETradingSymbol)
		}
		buys = append(buys, s.intent(row, idx, "EXIT PE - MANUAL"))
		leg.PETradingSymbol = ""
		leg.PEExitOneSide = true
	}
	s.placeForUsers(ctx, s.users(), buys, nil)
	return reg.SetLegAssignment(s.id, idx, leg)
}

// Reentry manually re-enters the exited side of an index, then holds
// automatic one-side exits for it so the signal cannot immediately undo
// the operator's intervention.
func (s *DeltaShift) Reentry(ctx context.Context, idx int) error {
	if err := s.initiate(); err != nil {
		return err
	}
	reg := s.deps.Registry
	legs := reg.LegAssignments(s.id)
	leg, ok := legs[idx]
	if !ok {
		return fmt.Errorf("index %d has no leg assignment", idx)
	}
	if !leg.ExitedOneSide {
		return fmt.Errorf("index %d has both legs open", idx)
	}
	chain := s.deps.Market.Chain()
	now := s.now()

	var buys, sells []models.OrderIntent
	switch {
	case leg.CEExitOneSide:
		pe, ok := chain.BySymbol(leg.PETradingSymbol)
		if !ok {
			return fmt.Errorf("%s missing from chain", leg.PETradingSymbol)
		}
		buys, sells, leg = s.ceReentryDecision(idx, chain, pe, leg, now)
	case leg.PEExitOneSide:
		ce, ok := chain.BySymbol(leg.CETradingSymbol)
		if !ok {
			return fmt.Errorf("%s missing from chain", leg.CETradingSymbol)
		}
		buys, sells, leg = s.peReentryDecision(idx, chain, ce, leg, now)
	}
	if len(buys)+len(sells) == 0 {
		return fmt.Errorf("index %d: no re-entry strike found", idx)
	}
	s.placeForUsers(ctx, s.users(), buys, sells)
	if err := reg.SetLegAssignment(s.id, idx, leg); err != nil {
		return err
	}
	reg.SetOneSideExitHold(s.id, idx, true)
	return nil
}

// Shift manually evaluates a roll for an index with a near-zero
// imbalance threshold, forcing the richer leg to move if any matching
// strike exists.
func (s *DeltaShift) Shift(ctx context.Context, idx int) error {
	if err := s.initiate(); err != nil {
		return err
	}
	reg := s.deps.Registry
	legs := reg.LegAssignments(s.id)
	leg, ok := legs[idx]
	if !ok {
		return fmt.Errorf("index %d has no leg assignment", idx)
	}
	if leg.ExitedOneSide {
		return fmt.Errorf("index %d is one-side exited", idx)
	}
	chain := s.deps.Market.Chain()
	ce, ok := chain.BySymbol(leg.CETradingSymbol)
	if !ok {
		return fmt.Errorf("%s missing from chain", leg.CETradingSymbol)
	}
	pe, ok := chain.BySymbol(leg.PETradingSymbol)
	if !ok {
		return fmt.Errorf("%s missing from chain", leg.PETradingSymbol)
	}

	buys, sells, ceSym, peSym := s.checkShift(chain, idx, ce, pe, 0.1, s.now())
	if len(buys)+len(sells) == 0 {
		return fmt.Errorf("index %d: no shift candidate", idx)
	}
	s.placeForUsers(ctx, s.users(), buys, sells)
	leg.CETradingSymbol = ceSym
	leg.PETradingSymbol = peSym
	return reg.SetLegAssignment(s.id, idx, leg)
}

// ShiftSingleStrike rolls one side by a raw point offset: the call
// moves points closer (strike - points), the put points further up
// (strike + points).
func (s *DeltaShift) ShiftSingleStrike(ctx context.Context, idx int, optType models.OptionType, points float64) error {
	if err := s.initiate(); err != nil {
		return err
	}
	if !optType.Valid() {
		return fmt.Errorf("invalid option type %q", optType)
	}
	reg := s.deps.Registry
	legs := reg.LegAssignments(s.id)
	leg, ok := legs[idx]
	if !ok {
		return fmt.Errorf("index %d has no leg assignment", idx)
	}
	chain := s.deps.Market.Chain()

	var buys, sells []models.OrderIntent
	if optType == models.OptionCE {
		if leg.CEExitOneSide {
			return fmt.Errorf("index %d: CE side is exited", idx)
		}
		ce, ok := chain.BySymbol(leg.CETradingSymbol)
		if !ok {
			return fmt.Errorf("%s missing from chain", leg.CETradingSymbol)
		}
		next, ok := chain.ByStrike(ce.Strike-points, models.OptionCE)
		if !ok {
			return fmt.Errorf("CE strike %.0f not in chain", ce.Strike-points)
		}
		buys = append(buys, s.intent(ce, idx, "MANUAL SINGLE SIDE SHIFT - EXIT"))
		sells = append(sells, s.intent(next, idx, "MANUAL SINGLE SIDE SHIFT - ENTRY"))
		leg.CETradingSymbol = next.TradingSymbol
	} else {
		if leg.PEExitOneSide {
			return fmt.Errorf("index %d: PE side is exited", idx)
		}
		pe, ok := chain.BySymbol(leg.PETradingSymbol)
		if !ok {
			return fmt.Errorf("%s missing from chain", leg.PETradingSymbol)
		}
		next, ok := chain.ByStrike(pe.Strike+points, models.OptionPE)
		if !ok {
			return fmt.Errorf("PE strike %.0f not in chain", pe.Strike+points)
		}
		buys = append(buys, s.intent(pe, idx, "MANUAL SINGLE SIDE SHIFT - EXIT"))
		sells = append(sells, s.intent(next, idx, "MANUAL SINGLE SIDE SHIFT - ENTRY"))
		leg.PETradingSymbol = next.TradingSymbol
	}
	s.placeForUsers(ctx, s.users(), buys, sells)
	return reg.SetLegAssignment(s.id, idx, leg)
}

// Hold suppresses automatic one-side exits for the index. Calling it
// again is a no-op, not a toggle.
func (s *DeltaShift) Hold(idx int) {
	s.deps.Registry.SetOneSideExitHold(s.id, idx, true)
}

// ReleaseHold re-enables automatic one-side exits for the index.
func (s *DeltaShift) ReleaseHold(idx int) {
	s.deps.Registry.SetOneSideExitHold(s.id, idx, false)
}

// UserEntry hot-joins a user to the running deployment, selling every
// currently open leg for them so their book matches the others.
func (s *DeltaShift) UserEntry(ctx context.Context, user models.UserParams) error {
	for _, existing := range s.users() {
		if existing.User == user.User {
			return fmt.Errorf("user %s already participates", user.User)
		}
	}
	chain := s.deps.Market.Chain()
	var sells []models.OrderIntent
	for idx, leg := range s.deps.Registry.LegAssignments(s.id) {
		if !leg.CEExitOneSide && leg.CETradingSymbol != "" {
			row, ok := chain.BySymbol(leg.CETradingSymbol)
			if !ok {
				return fmt.Errorf("%s missing from chain", leg.CETradingSymbol)
			}
			sells = append(sells, s.intent(row, idx, "ENTER CE - USER JOIN"))
		}
		if !leg.PEExitOneSide && leg.PETradingSymbol != "" {
			row, ok := chain.BySymbol(leg.PETradingSymbol)
			if !ok {
				return fmt.Errorf("%s missing from chain", leg.PETradingSymbol)
			}
			sells = append(sells, s.intent(row, idx, "ENTER PE - USER JOIN"))
		}
	}
	s.placeForUsers(ctx, []models.UserParams{user}, nil, sells)

	err := s.deps.Registry.UpdateUsers(s.id, func(users []models.UserParams) []models.UserParams {
		return append(users, user)
	})
	if err != nil {
		return err
	}
	s.deps.alert(ctx, s.p.Name, fmt.Sprintf("%s ALGO ENTERED!", user.User), notify.LevelSuccess)
	return nil
}

// ExitUserAlgo hot-removes one user, buying back their open legs. When
// the last user leaves the whole deployment winds down.
func (s *DeltaShift) ExitUserAlgo(ctx context.Context, username string) error {
	var target *models.UserParams
	for _, u := range s.users() {
		if u.User == username {
			u := u
			target = &u
			break
		}
	}
	if target == nil {
		return fmt.Errorf("user %s does not participate", username)
	}

	buys, err := s.openLegBuybacks()
	if err != nil {
		return err
	}
	s.placeForUsers(ctx, []models.UserParams{*target}, buys, nil)

	if err := s.deps.Registry.UpdateUsers(s.id, func(users []models.UserParams) []models.UserParams {
		kept := users[:0]
		for _, u := range users {
			if u.User != username {
				kept = append(kept, u)
			}
		}
		return kept
	}); err != nil {
		return err
	}

	if len(s.users()) == 0 {
		s.deps.Registry.ClearLegAssignments(s.id)
		s.deps.Registry.Remove(s.id)
	}
	s.deps.alert(ctx, s.p.Name, fmt.Sprintf("%s ALGO EXITED!", username), notify.LevelDanger)
	return nil
}

// openLegBuybacks builds the buy intents that flatten every open leg.
func (s *DeltaShift) openLegBuybacks() ([]models.OrderIntent, error) {
	chain := s.deps.Market.Chain()
	var buys []models.OrderIntent
	for idx, leg := range s.deps.Registry.LegAssignments(s.id) {
		if !leg.CEExitOneSide && leg.CETradingSymbol != "" {
			row, ok := chain.BySymbol(leg.CETradingSymbol)
			if !ok {
				return nil, fmt.Errorf("%s missing from chain", leg.CETradingSymbol)
			}
			buys = append(buys, s.intent(row, idx, "EXIT CE - EXIT ALGO"))
		}
		if !leg.PEExitOneSide && leg.PETradingSymbol != "" {
			row, ok := chain.BySymbol(leg.PETradingSymbol)
			if !ok {
				return nil, fmt.Errorf("%s missing from chain", leg.PETradingSymbol)
			}
			buys = append(buys, s.intent(row, idx, "EXIT PE - EXIT ALGO"))
		}
	}
	return buys, nil
}

// ExitAlgo flattens every index for every user, clears the leg map and
// removes the deployment. It runs even when the deployment record is
// already gone so a mid-loop registry removal never strands positions.
func (s *DeltaShift) ExitAlgo(ctx context.Context) error {
	buys, err := s.openLegBuybacks()
	if err != nil {
		return err
	}
	if len(buys) > 0 {
		s.placeForUsers(ctx, s.users(), buys, nil)
	}

	s.deps.Registry.ClearLegAssignments(s.id)
	s.deps.Registry.Remove(s.id)
	s.deps.alert(ctx, s.p.Name, "ALGO EXITED!", notify.LevelDanger)
	return nil
}

var _ Strategy = (*DeltaShift)(nil)
