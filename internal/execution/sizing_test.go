package execution

import (
	"testing"

	"github.com/shopspring/decimal"

	"campaign-engine/internal/model"
)

func TestSizeFromEquity(t *testing.T) {
	inst := model.Instrument{InstID: "BTC-USDT-SWAP", CtVal: 0.01, LotSz: 0.1, MinSz: 0.1}
	tests := []struct {
		name   string
		equity string
		pct    float64
		lev    int
		price  float64
		want   string
	}{
		// 1000*10%*5 = 500 notional / (50000*0.01=500) = 1 contract
		{"exact", "1000", 10, 5, 50000, "1"},
		// 1000*10%*3 = 300 / 500 = 0.6
		{"fractional", "1000", 10, 3, 50000, "0.6"},
		// 0.67 floors to 0.6
		{"floors to lot", "1000", 10, 3, 44776, "0.6"},
		// 0.05 below MinSz
		{"below min", "100", 5, 5, 50000, "0"},
		{"zero pct", "1000", 0, 5, 50000, "0"},
		{"zero price", "1000", 10, 5, 0, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SizeFromEquity(decimal.RequireFromString(tt.equity), tt.pct, tt.lev, tt.price, inst)
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("SizeFromEquity = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSlippagePct(t *testing.T) {
	if got := SlippagePct(model.Long, 100, 101); !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("long paying more: got %s, want 1", got)
	}
	if got := SlippagePct(model.Short, 100, 101); !got.Equal(decimal.NewFromInt(-1)) {
		t.Errorf("short selling higher: got %s, want -1", got)
	}
	if got := SlippagePct(model.Long, 0, 101); !got.IsZero() {
		t.Errorf("zero estimate: got %s", got)
	}
}
