package market

type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// TypicalPrice is the (H+L+C)/3 midpoint used by profile estimates.
func (c Candle) TypicalPrice() float64 {
	return (c.High + c.Low + c.Close) / 3
}
