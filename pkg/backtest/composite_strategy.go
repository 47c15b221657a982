package backtest

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ConsensusMode controls how CompositeStrategy combines the per-bar votes of
// its member strategies into the single Signal the engine can dispatch.
type ConsensusMode string

const (
	// ConsensusMajority dispatches the signal type with the most votes, as
	// long as it clears a simple majority of members.
	ConsensusMajority ConsensusMode = "majority"
	// ConsensusUnanimous dispatches only when every voting member agrees on
	// the exact same signal type.
	ConsensusUnanimous ConsensusMode = "unanimous"
	// ConsensusWeighted sums each member's configured weight per signal type
	// and dispatches the heaviest one.
	ConsensusWeighted ConsensusMode = "weighted"
	// ConsensusFirst dispatches whichever member produced a signal first, in
	// registration order.
	ConsensusFirst ConsensusMode = "first"
	// ConsensusAll treats every member as independently authoritative. Since
	// the engine accepts at most one signal per bar, the first signal wins
	// and the rest are dropped with a warning.
	ConsensusAll ConsensusMode = "all"
)

// CompositeStrategy combines several Strategy implementations behind a
// single Strategy, letting a run be driven by a panel of sub-strategies
// instead of one. Members are read-only with respect to each other; each
// sees the same candle/position/context on every bar.
type CompositeStrategy struct {
	members []Strategy
	weights []decimal.Decimal
	mode    ConsensusMode

	// stats tracks how often each member's vote was actually dispatched,
	// keyed by member index. Exposed for reporting, not consulted for
	// consensus itself.
	stats []memberStats
}

type memberStats struct {
	votesCast    int
	votesWinning int
}

// NewCompositeStrategy builds a composite over members, combined with mode.
// Members vote with equal weight unless WithWeights is called afterward.
func NewCompositeStrategy(mode ConsensusMode, members ...Strategy) (*CompositeStrategy, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("composite strategy requires at least one member")
	}
	return &CompositeStrategy{
		members: members,
		mode:    mode,
		stats:   make([]memberStats, len(members)),
	}, nil
}

// WithWeights assigns a weight to each member, used only by ConsensusWeighted.
// Its length must equal the member count.
func (c *CompositeStrategy) WithWeights(weights ...decimal.Decimal) (*CompositeStrategy, error) {
	if len(weights) != len(c.members) {
		return nil, fmt.Errorf("composite strategy: %d weights for %d members", len(weights), len(c.members))
	}
	c.weights = weights
	return c, nil
}

// MemberVotes reports, for each member, how many bars it cast a non-nil
// signal and how many of those were the one actually dispatched.
func (c *CompositeStrategy) MemberVotes() []struct{ VotesCast, VotesWinning int } {
	out := make([]struct{ VotesCast, VotesWinning int }, len(c.stats))
	for i, s := range c.stats {
		out[i] = struct{ VotesCast, VotesWinning int }{s.votesCast, s.votesWinning}
	}
	return out
}

type memberVote struct {
	memberIdx int
	sig       *Signal
	weight    decimal.Decimal
}

// OnBar implements Strategy.
func (c *CompositeStrategy) OnBar(candle Candle, idx int, position *Position, ctx *MultiTimeframeContext) (*Signal, error) {
	votes := make([]memberVote, 0, len(c.members))
	for i, m := range c.members {
		sig, err := m.OnBar(candle, idx, position, ctx)
		if err != nil {
			log.Warn().Err(err).Int("member", i).Msg("composite strategy member returned an error, skipping its vote for this bar")
			continue
		}
		if sig == nil {
			continue
		}
		c.stats[i].votesCast++
		w := decimal.NewFromInt(1)
		if i < len(c.weights) {
			w = c.weights[i]
		}
		votes = append(votes, memberVote{memberIdx: i, sig: sig, weight: w})
	}
	if len(votes) == 0 {
		return nil, nil
	}

	winner := c.resolve(votes)
	if winner != nil {
		for _, v := range votes {
			if v.sig == winner {
				c.stats[v.memberIdx].votesWinning++
				break
			}
		}
	}
	return winner, nil
}

func (c *CompositeStrategy) resolve(votes []memberVote) *Signal {
	switch c.mode {
	case ConsensusFirst:
		return votes[0].sig

	case ConsensusAll:
		if len(votes) > 1 {
			log.Warn().Int("signals", len(votes)).Msg("composite strategy in all mode produced multiple signals on one bar; dispatching the first and dropping the rest")
		}
		return votes[0].sig

	case ConsensusUnanimous:
		first := votes[0].sig.Type
		for _, v := range votes[1:] {
			if v.sig.Type != first {
				return nil
			}
		}
		return votes[0].sig

	case ConsensusWeighted:
		tally := make(map[SignalType]decimal.Decimal, len(votes))
		rep := make(map[SignalType]*Signal, len(votes))
		for _, v := range votes {
			tally[v.sig.Type] = tally[v.sig.Type].Add(v.weight)
			if _, ok := rep[v.sig.Type]; !ok {
				rep[v.sig.Type] = v.sig
			}
		}
		var best SignalType
		bestWeight := decimal.Zero
		for t, w := range tally {
			if w.GreaterThan(bestWeight) {
				bestWeight = w
				best = t
			}
		}
		if bestWeight.IsZero() {
			return nil
		}
		return rep[best]

	default: // ConsensusMajority
		tally := make(map[SignalType]int, len(votes))
		rep := make(map[SignalType]*Signal, len(votes))
		for _, v := range votes {
			tally[v.sig.Type]++
			if _, ok := rep[v.sig.Type]; !ok {
				rep[v.sig.Type] = v.sig
			}
		}
		threshold := len(c.members)/2 + 1
		var best SignalType
		bestCount := 0
		for t, n := range tally {
			if n > bestCount {
				bestCount = n
				best = t
			}
		}
		if bestCount < threshold {
			return nil
		}
		return rep[best]
	}
}

// PreCalculate forwards to any member that implements PreCalculator, so a
// composite of indicator-precomputing strategies still gets the hook.
func (c *CompositeStrategy) PreCalculate(candles []Candle, htf map[string][]Candle) error {
	for i, m := range c.members {
		pc, ok := m.(PreCalculator)
		if !ok {
			continue
		}
		if err := pc.PreCalculate(candles, htf); err != nil {
			return fmt.Errorf("composite strategy member %d precalculate: %w", i, err)
		}
	}
	return nil
}
