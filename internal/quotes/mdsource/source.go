package mdsource

import (
	"context"
	"errors"

	"alphaquant.com/internal/quotes/datasource/model"
)

// ErrNoData 上游正常返回但没有可用行情（停牌、代码不存在等）
var ErrNoData = errors.New("no market data")

// Source 一个可插拔的行情快照源。
// Latest 只做单次拉取，不重试；节流、熔断、缓存由外层包装。
type Source interface {
	Name() string
	Latest(ctx context.Context, symbol string) (model.Quote, error)
}
