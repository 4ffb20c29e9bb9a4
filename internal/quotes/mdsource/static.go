package mdsource

import (
	"context"
	"sync"

	"alphaquant.com/internal/quotes/datasource/model"
	"alphaquant.com/pkg/xerr"
)

// Static 内存里的固定行情；没有上游时用它，没设置的 symbol 一律 ErrNoData，
// 行情流会全部走模拟
type Static struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
}

func NewStatic() *Static {
	return &Static{quotes: make(map[string]model.Quote)}
}

func (s *Static) Name() string { return "static" }

func (s *Static) Set(q model.Quote) {
	s.mu.Lock()
	s.quotes[q.Symbol] = q
	s.mu.Unlock()
}

func (s *Static) Latest(_ context.Context, symbol string) (model.Quote, error) {
	s.mu.RLock()
	q, ok := s.quotes[symbol]
	s.mu.RUnlock()
	if !ok {
		return model.Quote{}, xerr.Upstream(ErrNoData, "static.latest")
	}
	q.Source = s.Name()
	return q, nil
}

var _ Source = (*Static)(nil)
