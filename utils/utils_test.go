package utils_test

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/scambiohq/scambio/utils"
	"github.com/stretchr/testify/require"
)

// regtest invoice for 10000 sats
var (
	testInvoice     = "lnbcrt100u1p5t89kqpp5czht4wppzwgxujeu8u2e4nx7djm9z4c9xzdy9c57x8340gfedudqsp5qvlag5z0e9pgveug3ftavzugns2374zjslyy2rm6xxtzkd5vfxgsdq5wd3kzmtzd9hjqar9wd6q9qrssqujnp4zs4wms6v4skfchx027z0augfy7ssas57gqwdcjelg3mkthnsjacnuvc52k2ufmj6yzktzwhn399vjd9430cc2nzarwgxm2uv5gq00e6za"
	testPaymentHash = "c0aebab82113906e4b3c3f159accde6cb6515705309a42e29e31e357a1396f1a"
)

func TestUtils(t *testing.T) {
	testInvoices(t)
	testRetry(t)
}

func testInvoices(t *testing.T) {
	t.Run("invoices", func(t *testing.T) {
		require.False(t, utils.IsValidInvoice(""))
		require.False(t, utils.IsValidInvoice("lnbcrt1notaninvoice"))
		require.True(t, utils.IsValidInvoice(testInvoice))

		amount, paymentHash, err := utils.DecodeInvoice(testInvoice)
		require.NoError(t, err)
		require.Equal(t, uint64(10000), amount)
		require.Equal(t, testPaymentHash, hex.EncodeToString(paymentHash))

		_, _, err = utils.DecodeInvoice("garbage")
		require.Error(t, err)
	})
}

func testRetry(t *testing.T) {
	t.Run("retry", func(t *testing.T) {
		calls := 0
		err := utils.Retry(context.Background(), time.Millisecond, func(ctx context.Context) (bool, error) {
			calls++
			return calls >= 3, nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)

		wantErr := errors.New("boom")
		err = utils.Retry(context.Background(), time.Millisecond, func(ctx context.Context) (bool, error) {
			return false, wantErr
		})
		require.ErrorIs(t, err, wantErr)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		err = utils.Retry(ctx, time.Millisecond, func(ctx context.Context) (bool, error) {
			return false, nil
		})
		require.Error(t, err)
	})
}
