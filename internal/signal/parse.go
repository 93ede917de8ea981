package signal

import (
	"fmt"

	"github.com/tidwall/gjson"

	"signalround/internal/types"
)

// Parse decodes an extractor payload into a Signal. Extraction models are
// sloppy about numeric types, so fields are coerced individually rather
// than strictly unmarshalled.
func Parse(raw []byte) (*Signal, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("signal payload is not valid JSON")
	}
	doc := gjson.ParseBytes(raw)

	typ, err := ParseType(doc.Get("type").String())
	if err != nil {
		return nil, err
	}
	symbol := doc.Get("symbol").String()
	if symbol == "" {
		return nil, fmt.Errorf("signal missing symbol")
	}

	sig := &Signal{
		Type:      typ,
		Symbol:    symbol,
		StopLoss:  doc.Get("stop_loss").Float(),
		CloseType: doc.Get("close_type").String(),
		RoundID:   doc.Get("round_id").String(),
	}

	if action := doc.Get("action"); action.Exists() {
		dir, err := types.ParseDirection(action.String())
		if err != nil {
			return nil, err
		}
		sig.Action = dir
	} else if typ == TypeEntry {
		return nil, fmt.Errorf("entry signal missing action")
	}

	entryType, err := types.ParseEntryType(doc.Get("entry_type").String())
	if err != nil {
		return nil, err
	}
	sig.EntryType = entryType
	sig.EntryPrice = doc.Get("entry_price").Float()

	if rng := doc.Get("entry_range"); rng.IsObject() {
		er := &EntryRange{
			Min: rng.Get("min").Float(),
			Max: rng.Get("max").Float(),
		}
		if er.Min > er.Max {
			er.Min, er.Max = er.Max, er.Min
		}
		if er.Max > 0 {
			sig.EntryRange = er
		}
	}

	doc.Get("take_profits").ForEach(func(_, value gjson.Result) bool {
		if tp := value.Float(); tp > 0 {
			sig.TakeProfits = append(sig.TakeProfits, tp)
		}
		return true
	})

	if layers := doc.Get("layers"); layers.IsObject() {
		sig.Layers = Layers{
			Enabled:      layers.Get("enabled").Bool(),
			Count:        int(layers.Get("count").Int()),
			Distribution: layers.Get("distribution").String(),
		}
		if adv := layers.Get("advanced"); adv.IsObject() {
			sig.Layers.Advanced = LayersAdvanced{
				MinDistance:      adv.Get("min_distance").Float(),
				MaxDistance:      adv.Get("max_distance").Float(),
				UseMarketProfile: adv.Get("use_market_profile").Bool(),
			}
			adv.Get("volume_scale").ForEach(func(_, value gjson.Result) bool {
				sig.Layers.Advanced.VolumeScale = append(sig.Layers.Advanced.VolumeScale, value.Float())
				return true
			})
		}
	}

	return sig, nil
}
