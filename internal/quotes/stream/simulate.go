package stream

import (
	"alphaquant.com/internal/quotes/datasource/model"
	"github.com/shopspring/decimal"
)

// symbolState 跨任务重启保留：基准价 + 最近一次真实拉取时间
type symbolState struct {
	base      float64
	lastFetch int64 // unix nano；0 表示从未真实拉取过
}

// simulate 在基准价上做 ±maxDrift 的随机游走，并把新价格记为基准价（小幅变动会累积）
func (s *Scheduler) simulate(symbol string, st *symbolState) model.Quote {
	if st.base <= 0 {
		st.base = s.opts.DefaultBasePrice
	}
	pct := (s.opts.Rand() - 0.5) * 2 * s.opts.MaxDrift
	price := st.base * (1 + pct)
	st.base = price

	return model.Quote{
		Symbol:      symbol,
		Price:       round2(price),
		Change:      round2(pct * 100),
		Volume:      1000 + int64(s.opts.Rand()*99001), // [1000, 100000]
		IsSimulated: true,
		Source:      "simulated",
	}
}

func round2(f float64) float64 {
	return decimal.NewFromFloat(f).Round(2).InexactFloat64()
}
