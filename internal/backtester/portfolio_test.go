package backtester_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-core/internal/backtester"
	"github.com/atlas-desktop/backtest-core/pkg/types"
)

func TestPortfolio(t *testing.T) {
	portfolio := backtester.NewPortfolio(10000, backtester.NewProportionalCosts(0.001, 0.0005))

	if portfolio.Capital() != 10000 || portfolio.InPosition() {
		t.Fatalf("initial state: capital %v, in position %v", portfolio.Capital(), portfolio.InPosition())
	}

	if !portfolio.Open(types.TradeSideLong, 3, seriesStart, 100, 0.02) {
		t.Fatal("Open returned false")
	}
	pos := portfolio.Position()
	if got := pos.Quantity.InexactFloat64(); got != 2 {
		t.Errorf("quantity = %v, want 2", got)
	}
	if got := portfolio.Equity(110); got != 10020 {
		t.Errorf("marked equity = %v, want 10020", got)
	}

	trade := portfolio.Close(8, seriesStart.Add(5*time.Hour), 110, types.ExitReasonSignal)
	if portfolio.InPosition() {
		t.Error("position still open after Close")
	}
	// gross 20, commission 0.2+0.22, slippage 0.1+0.11
	if trade.PnLGross != 20 || trade.Commission != 0.42 || trade.Slippage != 0.21 {
		t.Errorf("trade costs = gross %v commission %v slippage %v", trade.PnLGross, trade.Commission, trade.Slippage)
	}
	if trade.PnLNet != 19.37 {
		t.Errorf("net pnl = %v, want 19.37", trade.PnLNet)
	}
	if portfolio.Capital() != 10019.37 {
		t.Errorf("capital = %v, want 10019.37", portfolio.Capital())
	}
	if trade.BarsHeld != 5 || trade.HoldingDuration != 5*time.Hour {
		t.Errorf("held %d bars / %s", trade.BarsHeld, trade.HoldingDuration)
	}
}

func TestPortfolioShortAndZeroSize(t *testing.T) {
	portfolio := backtester.NewPortfolio(1000, backtester.NewProportionalCosts(0, 0))
	if portfolio.Open(types.TradeSideShort, 0, seriesStart, 0, 0.1) {
		t.Fatal("opened a position at a zero price")
	}

	portfolio.Open(types.TradeSideShort, 0, seriesStart, 50, 0.1)
	if got := portfolio.Equity(40); got != 1020 {
		t.Errorf("short equity = %v, want 1020", got)
	}
	trade := portfolio.Close(1, seriesStart.Add(time.Hour), 40, types.ExitReasonTakeProfit)
	if trade.PnLNet != 20 || trade.ReturnPct != 0.2 {
		t.Errorf("short trade pnl %v return %v", trade.PnLNet, trade.ReturnPct)
	}
}

func TestFixedFractionalSize(t *testing.T) {
	if got := backtester.FixedFractionalSize(10000, 0.02, 100); got != 2 {
		t.Errorf("size = %v, want 2", got)
	}
	if got := backtester.FixedFractionalSize(10000, 0.02, 0); got != 0 {
		t.Errorf("size at zero price = %v, want 0", got)
	}
}
