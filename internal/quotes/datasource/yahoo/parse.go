package yahoo

import (
	"errors"
	"strings"
	"time"

	"alphaquant.com/internal/quotes/datasource/model"
	"alphaquant.com/internal/quotes/mdsource"
	"github.com/segmentio/encoding/json"
)

// chart API 的最小结构：/v8/finance/chart/{symbol}
type chartResp struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

type chartResult struct {
	Meta struct {
		Symbol             string  `json:"symbol"`
		Currency           string  `json:"currency"`
		RegularMarketPrice float64 `json:"regularMarketPrice"`
		RegularMarketTime  int64   `json:"regularMarketTime"`
	} `json:"meta"`
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []*float64 `json:"open"`
			High   []*float64 `json:"high"`
			Low    []*float64 `json:"low"`
			Close  []*float64 `json:"close"`
			Volume []*int64   `json:"volume"`
		} `json:"quote"`
	} `json:"indicators"`
}

// ParseChart 取最后一根有效 K 线的 OHLCV；没有 K 线时退回 meta 里的最新价
func ParseChart(b []byte) (model.Quote, error) {
	var resp chartResp
	if err := json.Unmarshal(b, &resp); err != nil {
		return model.Quote{}, err
	}
	if e := resp.Chart.Error; e != nil {
		if strings.EqualFold(e.Code, "Not Found") {
			return model.Quote{}, mdsource.ErrNoData
		}
		return model.Quote{}, errors.New("yahoo: " + e.Code + ": " + e.Description)
	}
	if len(resp.Chart.Result) == 0 {
		return model.Quote{}, mdsource.ErrNoData
	}

	r := resp.Chart.Result[0]
	q := model.Quote{Symbol: strings.ToUpper(r.Meta.Symbol), Source: "yahoo"}

	if len(r.Indicators.Quote) > 0 {
		ind := r.Indicators.Quote[0]
		// 盘中最后一根可能还是 null，从后往前找第一根有收盘价的
		for i := len(ind.Close) - 1; i >= 0; i-- {
			if ind.Close[i] == nil || *ind.Close[i] <= 0 {
				continue
			}
			q.Price = *ind.Close[i]
			q.Open = at(ind.Open, i)
			q.High = at(ind.High, i)
			q.Low = at(ind.Low, i)
			if i < len(ind.Volume) && ind.Volume[i] != nil {
				q.Volume = *ind.Volume[i]
			}
			if i < len(r.Timestamp) {
				q.Timestamp = time.Unix(r.Timestamp[i], 0).UTC()
			}
			break
		}
	}

	if q.Price <= 0 && r.Meta.RegularMarketPrice > 0 {
		q.Price = r.Meta.RegularMarketPrice
		if r.Meta.RegularMarketTime > 0 {
			q.Timestamp = time.Unix(r.Meta.RegularMarketTime, 0).UTC()
		}
	}
	if !q.Valid() {
		return model.Quote{}, mdsource.ErrNoData
	}
	return q, nil
}

func at(xs []*float64, i int) float64 {
	if i < len(xs) && xs[i] != nil {
		return *xs[i]
	}
	return 0
}
