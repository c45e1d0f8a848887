package strategy

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trademaven/algoengine/internal/broker"
	"github.com/trademaven/algoengine/internal/chase"
	"github.com/trademaven/algoengine/internal/journal"
	"github.com/trademaven/algoengine/internal/models"
	"github.com/trademaven/algoengine/internal/notify"
	"github.com/trademaven/algoengine/internal/util"
)

func init() {
	register(KindStraddle, func(id string, deps Deps, spec Spec) (Strategy, error) {
		p := StraddleParams{}
		if spec.Straddle != nil {
			p = *spec.Straddle
		}
		return NewStraddle(id, deps, p)
	})
}

// StraddleParams configures the short straddle with stop losses.
type StraddleParams struct {
	Name          string
	BuySlippage   float64
	SellSlippage  float64
	EntrySlippage float64
	SkipPrice     float64
	SleepTime     time.Duration
}

func (p *StraddleParams) setDefaults() {
	if p.Name == "" {
		p.Name = "straddle"
	}
	if p.BuySlippage == 0 {
		p.BuySlippage = 10.0
	}
	if p.SellSlippage == 0 {
		p.SellSlippage = 10.0
	}
	if p.EntrySlippage == 0 {
		p.EntrySlippage = 10.0
	}
	if p.SkipPrice == 0 {
		p.SkipPrice = 5.0
	}
	if p.SleepTime == 0 {
		p.SleepTime = 10 * time.Second
	}
}

// Straddle sells an at-the-money straddle per slot with resting
// stop-loss buys, and reconciles fills against broker order reports
// once per aligned tick. Slots are operator driven: PlaceStraddle opens
// one, ModifyToCost and ExitOrder manage it.
type Straddle struct {
	id     string
	deps   Deps
	p      StraddleParams
	logger *log.Logger

	usersMu   sync.Mutex
	lastUsers []models.UserParams
}

// NewStraddle builds the strategy for one deployment id.
func NewStraddle(id string, deps Deps, p StraddleParams) (*Straddle, error) {
	if err := deps.normalize(); err != nil {
		return nil, err
	}
	p.setDefaults()
	return &Straddle{id: id, deps: deps, p: p, logger: deps.Logger}, nil
}

// Kind reports the variant.
func (s *Straddle) Kind() Kind { return KindStraddle }

func (s *Straddle) users() []models.UserParams {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	if rec, ok := s.deps.Registry.Deployment(s.id); ok {
		s.lastUsers = rec.UserParams
	}
	return s.lastUsers
}

// Run reconciles positions once per aligned period until the
// deployment is removed or the context ends.
func (s *Straddle) Run(ctx context.Context) error {
	for s.deps.Registry.Running(s.id) {
		if err := s.deps.Scheduler.AlignSleep(ctx, s.p.SleepTime); err != nil {
			return nil
		}
		if err := s.UpdatePosition(ctx); err != nil {
			s.logger.Printf("%s: update position: %v", s.id, err)
		}
		s.deps.Metrics.Tick(s.id)
	}
	return nil
}

// atmStrike rounds the spot to the nearest hundred.
func atmStrike(spot float64) float64 {
	return math.Round(spot/100) * 100
}

// PlaceStraddle sells the straddle for slot idx and parks stop-loss
// buys slPct percent above each entry price. Zero strikes default to
// the at-the-money strike.
func (s *Straddle) PlaceStraddle(ctx context.Context, idx int, slPct, ceStrike, peStrike float64) error {
	chain := s.deps.Market.Chain()
	atm := atmStrike(s.deps.Market.Spot())
	if ceStrike == 0 {
		ceStrike = atm
	}
	if peStrike == 0 {
		peStrike = atm
	}
	ce, ok := chain.ByStrike(ceStrike, models.OptionCE)
	if !ok {
		return fmt.Errorf("CE strike %.0f not in chain", ceStrike)
	}
	pe, ok := chain.ByStrike(peStrike, models.OptionPE)
	if !ok {
		return fmt.Errorf("PE strike %.0f not in chain", peStrike)
	}

	tick := ce.TickSize
	if tick == 0 {
		tick = 0.05
	}
	ceSL := util.RoundToTick(ce.LastPrice*(100+slPct)/100, tick)
	peSL := util.RoundToTick(pe.LastPrice*(100+slPct)/100, tick)

	users := s.users()
	if len(users) == 0 {
		return fmt.Errorf("deployment %s has no users", s.id)
	}

	type userEntry struct {
		user models.UserParams
		book models.UserStraddle
		err  error
	}
	entries := make([]userEntry, len(users))
	g := new(errgroup.Group)
	for i, user := range users {
		i, user := i, user
		g.Go(func() error {
			book, err := s.placeUserStraddle(ctx, user, idx, ce, pe, ceSL, peSL)
			entries[i] = userEntry{user: user, book: book, err: err}
			return nil
		})
	}
	g.Wait()

	byUser := map[string]models.UserStraddle{}
	for _, e := range entries {
		if e.err != nil {
			s.logger.Printf("%s idx %d: straddle for %s failed: %v", s.id, idx, e.user.User, e.err)
			continue
		}
		byUser[e.user.User] = e.book
	}
	if len(byUser) == 0 {
		return fmt.Errorf("idx %d: straddle failed for every user", idx)
	}

	s.deps.Registry.UpdateStraddlePositions(s.id, func(pos map[int]models.StraddlePosition) {
		pos[idx] = models.StraddlePosition{
			CETradingSymbol: ce.TradingSymbol,
			PETradingSymbol: pe.TradingSymbol,
			CEEntryPrice:    ce.LastPrice,
			PEEntryPrice:    pe.LastPrice,
			CEStopLoss:      ceSL,
			PEStopLoss:      peSL,
			Entered:         true,
		}
	})
	s.deps.Registry.UpdateStraddleBook(s.id, func(book map[int]map[string]models.UserStraddle) {
		book[idx] = byUser
	})
	s.deps.alert(ctx, s.p.Name, fmt.Sprintf("STRADDLE %d ENTERED!", idx), notify.LevelSuccess)
	return nil
}

// placeUserStraddle sells both legs for one user and parks the
// stop-loss buys, in that order so the short premium margins the stops.
func (s *Straddle) placeUserStraddle(ctx context.Context, user models.UserParams, idx int, ce, pe models.Instrument, ceSL, peSL float64) (models.UserStraddle, error) {
	book := models.UserStraddle{
		User:     user.User,
		Broker:   user.Broker,
		Quantity: quantityFor(user, idx),
	}
	eng, err := s.deps.Engines.ForUser(ctx, user)
	if err != nil {
		return book, err
	}

	peRes, err := s.sellLeg(ctx, eng, user, idx, pe, "ENTERING PE")
	if err != nil {
		return book, fmt.Errorf("sell PE: %w", err)
	}
	ceRes, err := s.sellLeg(ctx, eng, user, idx, ce, "ENTERING CE")
	if err != nil {
		return book, fmt.Errorf("sell CE: %w", err)
	}

	peSLRes, err := eng.PlaceStopLoss(ctx, pe.Strike, models.OptionPE, models.TransactionBuy, book.Quantity, peSL, s.p.BuySlippage)
	if err != nil {
		return book, fmt.Errorf("PE stop loss: %w", err)
	}
	ceSLRes, err := eng.PlaceStopLoss(ctx, ce.Strike, models.OptionCE, models.TransactionBuy, book.Quantity, ceSL, s.p.BuySlippage)
	if err != nil {
		return book, fmt.Errorf("CE stop loss: %w", err)
	}

	book.CE = models.StraddleLeg{
		EntryOrderID: ceRes.OrderID,
		EntryPrice:   ce.LastPrice,
		ExitOrderID:  ceSLRes.OrderID,
		ExitPrice:    ceSL,
		ExitStatus:   ceSLRes.Status,
	}
	book.PE = models.StraddleLeg{
		EntryOrderID: peRes.OrderID,
		EntryPrice:   pe.LastPrice,
		ExitOrderID:  peSLRes.OrderID,
		ExitPrice:    peSL,
		ExitStatus:   peSLRes.Status,
	}
	return book, nil
}

func (s *Straddle) sellLeg(ctx context.Context, eng *chase.Engine, user models.UserParams, idx int, row models.Instrument, reason string) (models.OrderResult, error) {
	s.deps.Metrics.Intent(s.id, string(models.TransactionSell))
	res, err := eng.PlaceAndChase(ctx, chase.Request{
		Strike:          row.Strike,
		OptionType:      row.InstrumentType,
		TransactionType: models.TransactionSell,
		Quantity:        quantityFor(user, idx),
		ExpectedPrice:   row.LastPrice,
		InitialSlippage: s.p.EntrySlippage,
		Slippage:        s.p.SellSlippage,
		Tag:             reason,
	})
	if err != nil {
		return res, err
	}
	s.deps.Metrics.Order(user.Broker, string(res.Status))
	s.journal(ctx, user, idx, row, models.TransactionSell, reason, res)
	return res, nil
}

func (s *Straddle) journal(ctx context.Context, user models.UserParams, idx int, row models.Instrument, txType models.TransactionType, reason string, res models.OrderResult) {
	if s.deps.Journal == nil {
		return
	}
	err := s.deps.Journal.Record(ctx, journal.Entry{
		DeploymentID:  s.id,
		StrategyIndex: idx,
		User:          user.User,
		Broker:        user.Broker,
		OrderID:       res.OrderID,
		Strike:        row.Strike,
		OptionType:    row.InstrumentType,
		Transaction:   txType,
		Quantity:      quantityFor(user, idx),
		ExpectedPrice: row.LastPrice,
		AveragePrice:  res.AveragePrice,
		Status:        res.Status,
		Reason:        reason,
		ErrorMessage:  res.ErrorMessage,
		PlacedAt:      res.EntryTime,
	})
	if err != nil {
		s.logger.Printf("%s: journal: %v", s.id, err)
	}
}

// UpdatePosition pulls order reports for every slot's entry and
// stop-loss orders and folds them into the book. The first user's fills
// also update the shared position view.
func (s *Straddle) UpdatePosition(ctx context.Context) error {
	users := s.users()
	book := s.deps.Registry.StraddleBook(s.id)
	positions := s.deps.Registry.StraddlePositions(s.id)

	for ui, user := range users {
		eng, err := s.deps.Engines.ForUser(ctx, user)
		if err != nil {
			s.logger.Printf("%s: user %s skipped: %v", s.id, user.User, err)
			continue
		}
		mb := eng.Broker()

		for idx, byUser := range book {
			ub, ok := byUser[user.User]
			if !ok {
				continue
			}
			pos := positions[idx]

			if !ub.CE.EntryUpdated {
				if rep, err := mb.OrderReport(ctx, ub.CE.EntryOrderID); err == nil {
					ub.CE.EntryUpdated = true
					ub.CE.EntryPrice = rep.AveragePrice
					if ui == 0 {
						pos.CEEntryPrice = rep.AveragePrice
					}
				}
			}
			if !ub.PE.EntryUpdated {
				if rep, err := mb.OrderReport(ctx, ub.PE.EntryOrderID); err == nil {
					ub.PE.EntryUpdated = true
					ub.PE.EntryPrice = rep.AveragePrice
					if ui == 0 {
						pos.PEEntryPrice = rep.AveragePrice
					}
				}
			}

			if !ub.CE.ExitUpdated {
				if rep, err := mb.OrderReport(ctx, ub.CE.ExitOrderID); err == nil {
					if rep.Status == models.StatusCompleted {
						ub.CE.ExitUpdated = true
						ub.CE.ExitedRealPrice = rep.AveragePrice
						pos.CEExited = true
						if ui == 0 {
							pos.CEExitPrice = rep.AveragePrice
						}
					} else {
						pos.CEStopLoss = rep.TriggerPrice
					}
					ub.CE.ExitStatus = rep.Status
				}
			}
			if !ub.PE.ExitUpdated {
				if rep, err := mb.OrderReport(ctx, ub.PE.ExitOrderID); err == nil {
					if rep.Status == models.StatusCompleted {
						ub.PE.ExitUpdated = true
						ub.PE.ExitedRealPrice = rep.AveragePrice
						pos.PEExited = true
						if ui == 0 {
							pos.PEExitPrice = rep.AveragePrice
						}
					} else {
						pos.PEStopLoss = rep.TriggerPrice
					}
					ub.PE.ExitStatus = rep.Status
				}
			}

			if ub.CE.ExitUpdated && ub.PE.ExitUpdated {
				pos.Exited = true
			}

			byUser[user.User] = ub
			positions[idx] = pos
		}
	}

	s.deps.Registry.UpdateStraddleBook(s.id, func(dst map[int]map[string]models.UserStraddle) {
		for idx, byUser := range book {
			dst[idx] = byUser
		}
	})
	s.deps.Registry.UpdateStraddlePositions(s.id, func(dst map[int]models.StraddlePosition) {
		for idx, pos := range positions {
			dst[idx] = pos
		}
	})
	return nil
}

// ModifyToCost moves the surviving leg's stop loss to its entry price
// once the other leg has stopped out, capping the slot at breakeven.
func (s *Straddle) ModifyToCost(ctx context.Context, idx int) error {
	positions := s.deps.Registry.StraddlePositions(s.id)
	pos, ok := positions[idx]
	if !ok {
		return fmt.Errorf("slot %d has no straddle", idx)
	}
	if pos.Exited {
		return fmt.Errorf("slot %d already exited", idx)
	}
	book := s.deps.Registry.StraddleBook(s.id)
	byUser, ok := book[idx]
	if !ok {
		return fmt.Errorf("slot %d has no user book", idx)
	}
	chain := s.deps.Market.Chain()

	modified := false
	for _, user := range s.users() {
		ub, ok := byUser[user.User]
		if !ok {
			continue
		}
		eng, err := s.deps.Engines.ForUser(ctx, user)
		if err != nil {
			s.logger.Printf("%s: user %s skipped: %v", s.id, user.User, err)
			continue
		}
		mb := eng.Broker()

		if pos.PEExited && !pos.CEExited {
			row, ok := chain.BySymbol(pos.CETradingSymbol)
			if !ok {
				return fmt.Errorf("%s missing from chain", pos.CETradingSymbol)
			}
			price := broker.ApplySlippage(pos.CEEntryPrice, models.TransactionBuy, s.p.BuySlippage)
			_, err := mb.ModifyOrder(ctx, row, ub.CE.ExitOrderID, models.TransactionBuy, ub.Quantity, price, pos.CEEntryPrice)
			if err != nil {
				s.logger.Printf("%s idx %d: modify CE stop for %s: %v", s.id, idx, user.User, err)
				continue
			}
			modified = true
		}
		if pos.CEExited && !pos.PEExited {
			row, ok := chain.BySymbol(pos.PETradingSymbol)
			if !ok {
				return fmt.Errorf("%s missing from chain", pos.PETradingSymbol)
			}
			price := broker.ApplySlippage(pos.PEEntryPrice, models.TransactionBuy, s.p.BuySlippage)
			_, err := mb.ModifyOrder(ctx, row, ub.PE.ExitOrderID, models.TransactionBuy, ub.Quantity, price, pos.PEEntryPrice)
			if err != nil {
				s.logger.Printf("%s idx %d: modify PE stop for %s: %v", s.id, idx, user.User, err)
				continue
			}
			modified = true
		}
	}
	if !modified {
		return fmt.Errorf("slot %d: no leg eligible for cost protection", idx)
	}
	s.deps.Registry.UpdateStraddlePositions(s.id, func(dst map[int]models.StraddlePosition) {
		p := dst[idx]
		p.ModifiedSLToCost = true
		if pos.PEExited && !pos.CEExited {
			p.CEStopLoss = pos.CEEntryPrice
		}
		if pos.CEExited && !pos.PEExited {
			p.PEStopLoss = pos.PEEntryPrice
		}
		dst[idx] = p
	})
	return nil
}

// ExitOrder converts every remaining stop loss for the slot into a
// chased market exit and marks the slot closed.
func (s *Straddle) ExitOrder(ctx context.Context, idx int) error {
	positions := s.deps.Registry.StraddlePositions(s.id)
	pos, ok := positions[idx]
	if !ok {
		return fmt.Errorf("slot %d has no straddle", idx)
	}
	book := s.deps.Registry.StraddleBook(s.id)
	byUser := book[idx]
	chain := s.deps.Market.Chain()

	g := new(errgroup.Group)
	for _, user := range s.users() {
		user := user
		ub, ok := byUser[user.User]
		if !ok {
			continue
		}
		g.Go(func() error {
			eng, err := s.deps.Engines.ForUser(ctx, user)
			if err != nil {
				s.logger.Printf("%s: user %s skipped: %v", s.id, user.User, err)
				return nil
			}
			if !pos.CEExited {
				row, ok := chain.BySymbol(pos.CETradingSymbol)
				if !ok {
					s.logger.Printf("%s idx %d: %s missing from chain", s.id, idx, pos.CETradingSymbol)
				} else if _, err := eng.ModifyToMarketAndChase(ctx, ub.CE.ExitOrderID, row.Strike, models.OptionCE, models.TransactionBuy, ub.Quantity, 10); err != nil {
					s.logger.Printf("%s idx %d: exit CE for %s: %v", s.id, idx, user.User, err)
				}
			}
			if !pos.PEExited {
				row, ok := chain.BySymbol(pos.PETradingSymbol)
				if !ok {
					s.logger.Printf("%s idx %d: %s missing from chain", s.id, idx, pos.PETradingSymbol)
				} else if _, err := eng.ModifyToMarketAndChase(ctx, ub.PE.ExitOrderID, row.Strike, models.OptionPE, models.TransactionBuy, ub.Quantity, 10); err != nil {
					s.logger.Printf("%s idx %d: exit PE for %s: %v", s.id, idx, user.User, err)
				}
			}
			return nil
		})
	}
	g.Wait()

	s.deps.Registry.UpdateStraddlePositions(s.id, func(dst map[int]models.StraddlePosition) {
		p := dst[idx]
		p.CEExited = true
		p.PEExited = true
		p.Exited = true
		dst[idx] = p
	})
	s.deps.alert(ctx, s.p.Name, fmt.Sprintf("STRADDLE %d EXITED!", idx), notify.LevelDanger)
	return nil
}

var _ Strategy = (*Straddle)(nil)
