package topic

import "strings"

// 频道命名：stock:<SYMBOL>
const channelPrefix = "stock:"

// Normalize 去空白、统一大写；空串表示非法
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeAll 逐个归一化，丢掉空串并去重，保留原顺序
func NormalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = Normalize(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// SplitList 解析逗号分隔的 symbols 查询参数
func SplitList(csv string) []string {
	return NormalizeAll(strings.Split(csv, ","))
}

func ChannelFor(symbol string) string {
	return channelPrefix + symbol
}

// SymbolOf 反解频道名；不是行情频道返回 false
func SymbolOf(channel string) (string, bool) {
	if !strings.HasPrefix(channel, channelPrefix) || len(channel) == len(channelPrefix) {
		return "", false
	}
	return channel[len(channelPrefix):], true
}
