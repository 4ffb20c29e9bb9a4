package yahoo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"alphaquant.com/internal/quotes/datasource/model"
	"alphaquant.com/internal/quotes/mdsource"
	"alphaquant.com/pkg/xerr"
)

const defaultBaseURL = "https://query1.finance.yahoo.com"

type Source struct {
	BaseURL   string // e.g. https://query1.finance.yahoo.com
	Range     string // 1d
	Interval  string // 1d
	UserAgent string
	Client    *http.Client
}

func NewSource(baseURL string, timeout time.Duration) *Source {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Source{
		BaseURL:   baseURL,
		Range:     "1d",
		Interval:  "1d",
		UserAgent: "Mozilla/5.0 (compatible; quotes-gateway/1.0)",
		Client:    &http.Client{Timeout: timeout},
	}
}

func (s *Source) Name() string { return "yahoo" }

// Latest 单次拉取，不重试
func (s *Source) Latest(ctx context.Context, symbol string) (model.Quote, error) {
	u := fmt.Sprintf("%s/v8/finance/chart/%s?range=%s&interval=%s",
		s.BaseURL, url.PathEscape(symbol), url.QueryEscape(s.Range), url.QueryEscape(s.Interval))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return model.Quote{}, xerr.Upstream(err, "yahoo.request")
	}
	req.Header.Set("User-Agent", s.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return model.Quote{}, xerr.Upstream(err, "yahoo.do")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.Quote{}, xerr.Upstream(err, "yahoo.read")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.Quote{}, xerr.Upstream(mdsource.ErrNoData, "yahoo.latest")
	case resp.StatusCode/100 != 2:
		return model.Quote{}, xerr.Upstream(fmt.Errorf("status %d", resp.StatusCode), "yahoo.latest")
	}

	q, err := ParseChart(body)
	if err != nil {
		return model.Quote{}, xerr.Upstream(err, "yahoo.parse")
	}
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	return q, nil
}

var _ mdsource.Source = (*Source)(nil)
