package marketdata

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/vitos/ltp_strategy_bot/internal/domain"
)

// SessionOHLC describes one trading session to synthesize.
type SessionOHLC struct {
	Open  float64 `yaml:"open"`
	High  float64 `yaml:"high"`
	Low   float64 `yaml:"low"`
	Close float64 `yaml:"close"`
}

func (s SessionOHLC) Validate() error {
	if s.Low <= 0 || s.High < s.Low {
		return fmt.Errorf("invalid session range low=%v high=%v", s.Low, s.High)
	}
	for name, v := range map[string]float64{"open": s.Open, "close": s.Close} {
		if v < s.Low || v > s.High {
			return fmt.Errorf("%s %v outside [%v, %v]", name, v, s.Low, s.High)
		}
	}
	return nil
}

// SyntheticPriceSource walks open -> high -> low -> close over a number of
// minutes with small gaussian noise. The path is fixed by the seed.
type SyntheticPriceSource struct {
	replay *ReplayPriceSource
}

func NewSyntheticPriceSource(session SessionOHLC, minutes int, seed int64) (*SyntheticPriceSource, error) {
	prices, err := GenerateSession(session, minutes, seed)
	if err != nil {
		return nil, err
	}
	return &SyntheticPriceSource{replay: NewReplayPriceSource(prices)}, nil
}

func (s *SyntheticPriceSource) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return s.replay.GetPrice(ctx, symbol)
}

func (s *SyntheticPriceSource) Remaining() int {
	return s.replay.Remaining()
}

// GenerateSession builds the price path. The last tailMinutes are pulled
// towards the close so the session ends exactly there.
func GenerateSession(session SessionOHLC, minutes int, seed int64) ([]float64, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	if minutes < 3 {
		return nil, fmt.Errorf("need at least 3 minutes, got %d", minutes)
	}

	rng := rand.New(rand.NewSource(seed))
	first := minutes / 3
	second := minutes / 3
	third := minutes - first - second

	prices := make([]float64, 0, minutes)
	prices = appendLinear(prices, session.Open, session.High, first, false)
	prices = appendLinear(prices, session.High, session.Low, second, false)
	prices = appendLinear(prices, session.Low, session.Close, third, true)

	sigma := (session.High - session.Low) / 500
	for i := range prices {
		prices[i] = clampPrice(prices[i]+rng.NormFloat64()*sigma, session.Low, session.High)
	}

	tail := 15
	if tail > minutes {
		tail = minutes
	}
	gap := session.Close - prices[len(prices)-1]
	for i := 0; i < tail; i++ {
		step := 0.0
		if tail > 1 {
			step = gap * float64(i) / float64(tail-1)
		}
		idx := len(prices) - tail + i
		prices[idx] = clampPrice(prices[idx]+step, session.Low, session.High)
	}

	for i := range prices {
		prices[i] = math.Round(prices[i]*100) / 100
	}
	return prices, nil
}

func appendLinear(dst []float64, from, to float64, n int, endpoint bool) []float64 {
	if n <= 0 {
		return dst
	}
	div := float64(n)
	if endpoint && n > 1 {
		div = float64(n - 1)
	}
	for i := 0; i < n; i++ {
		dst = append(dst, from+(to-from)*float64(i)/div)
	}
	return dst
}

func clampPrice(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

var _ domain.PriceSource = (*SyntheticPriceSource)(nil)
