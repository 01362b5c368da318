package market

// Kline is one OHLCV candle. Prices are 1e6 fixed point, volume is base-asset
// quantity.
type Kline struct {
	OpenTime int64 `json:"openTime"` // bucket start, unix ms
	Open     int64 `json:"open"`
	High     int64 `json:"high"`
	Low      int64 `json:"low"`
	Close    int64 `json:"close"`
	Volume   int64 `json:"volume"`
	Trades   int64 `json:"trades"`
}

const klineCap = 1440 // per resolution, ~1 day of 1m candles

// KlineSet builds candles at several resolutions from the fill stream.
type KlineSet struct {
	resolutions []int64 // seconds
	series      map[int64][]Kline
}

// NewKlineSet creates empty series for each resolution.
func NewKlineSet(resolutions []int64) *KlineSet {
	series := make(map[int64][]Kline, len(resolutions))
	for _, r := range resolutions {
		series[r] = nil
	}
	return &KlineSet{resolutions: resolutions, series: series}
}

// Apply folds one fill into every series.
func (k *KlineSet) Apply(ts, price, qty int64) {
	for _, res := range k.resolutions {
		bucket := ts - ts%(res*1000)
		s := k.series[res]
		if n := len(s); n > 0 && s[n-1].OpenTime == bucket {
			c := &s[n-1]
			if price > c.High {
				c.High = price
			}
			if price < c.Low {
				c.Low = price
			}
			c.Close = price
			c.Volume += qty
			c.Trades++
			continue
		}
		s = append(s, Kline{
			OpenTime: bucket,
			Open:     price, High: price, Low: price, Close: price,
			Volume: qty,
			Trades: 1,
		})
		if len(s) > klineCap {
			s = s[len(s)-klineCap:]
		}
		k.series[res] = s
	}
}

// Tail returns up to n candles at resolution, oldest first. Unknown
// resolutions return nil.
func (k *KlineSet) Tail(resolutionSec int64, n int) []Kline {
	s, ok := k.series[resolutionSec]
	if !ok {
		return nil
	}
	if n <= 0 || n > len(s) {
		n = len(s)
	}
	out := make([]Kline, n)
	copy(out, s[len(s)-n:])
	return out
}

// Resolutions lists the configured candle resolutions in seconds.
func (k *KlineSet) Resolutions() []int64 { return k.resolutions }
