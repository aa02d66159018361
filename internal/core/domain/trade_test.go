package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTradeAdvance(t *testing.T) {
	t.Run("forward only", func(t *testing.T) {
		trade := Trade{Id: "t1", State: TradeRfqOpen}
		require.NoError(t, trade.Advance(TradeQuoted))
		require.NoError(t, trade.Advance(TradeQuoteAccepted))
		require.NoError(t, trade.Advance(TradeInvited))

		require.Error(t, trade.Advance(TradeQuoted))
		require.Error(t, trade.Advance(TradeInvited))
		require.Equal(t, TradeInvited, trade.State)
	})

	t.Run("skipping states is allowed", func(t *testing.T) {
		trade := Trade{Id: "t1", State: TradeRfqOpen}
		require.NoError(t, trade.Advance(TradeEscrowCreated))
		require.NoError(t, trade.Advance(TradeLnPaid))
		require.NoError(t, trade.Advance(TradeClaimed))
	})

	t.Run("terminal states are sticky", func(t *testing.T) {
		trade := Trade{Id: "t1", State: TradeClaimed}
		require.Error(t, trade.Advance(TradeRefunded))
		require.Error(t, trade.Advance(TradeLeft))
		require.Equal(t, TradeClaimed, trade.State)
	})

	t.Run("failure exits from any non-terminal state", func(t *testing.T) {
		for _, from := range []TradeState{TradeRfqOpen, TradeQuoted, TradeInvoicePosted, TradeLnPaid} {
			trade := Trade{Id: "t1", State: from}
			require.NoError(t, trade.Leave("timeout"))
			require.Equal(t, TradeLeft, trade.State)
			require.Equal(t, "timeout", trade.LastError)

			trade = Trade{Id: "t1", State: from}
			require.NoError(t, trade.Abandon("counterparty vanished"))
			require.Equal(t, TradeAbandoned, trade.State)
		}
	})

	t.Run("state names", func(t *testing.T) {
		require.Equal(t, "rfq_open", TradeRfqOpen.String())
		require.Equal(t, "claimed", TradeClaimed.String())
		require.True(t, TradeLeft.IsTerminal())
		require.False(t, TradeLnPaid.IsTerminal())
	})
}
