package model

import "time"

// Quote 统一后的行情快照；也是广播 payload 的 data 部分
//
// Open/High/Low/Volume/Change 取不到时为零值，序列化时省略
type Quote struct {
	Symbol      string    `json:"symbol"`
	Price       float64   `json:"price"`
	Open        float64   `json:"open,omitempty"`
	High        float64   `json:"high,omitempty"`
	Low         float64   `json:"low,omitempty"`
	Volume      int64     `json:"volume,omitempty"`
	Change      float64   `json:"change,omitempty"` // 相对上一价的百分比
	IsSimulated bool      `json:"is_simulated"`
	Source      string    `json:"source,omitempty"` // "yahoo" | "simulated" | ...
	Timestamp   time.Time `json:"timestamp"`
}

// Valid 价格必须为正
func (q Quote) Valid() bool {
	return q.Price > 0
}
