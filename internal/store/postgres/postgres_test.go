package postgres

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xrin1/flippening/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/flip?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "flip", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}

func TestPayoutsJSONB(t *testing.T) {
	in := []domain.Payout{
		{Leg: 0, Kind: domain.PayoutTransfer, Asset: common.HexToAddress("0xa1"), Recipient: common.HexToAddress("0xb2"), Amount: big.NewInt(990), Done: true, TxHash: "0xabc"},
		{Leg: 1, Kind: domain.PayoutMint, Asset: common.HexToAddress("0xf1"), Recipient: common.HexToAddress("0xc3"), Amount: new(big.Int).Lsh(big.NewInt(1), 100)},
	}
	raw, err := encodePayouts(in)
	require.NoError(t, err)

	out, err := decodePayouts(raw)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, in[1].Amount, out[1].Amount)
	assert.Equal(t, in[0].Recipient, out[0].Recipient)
	assert.True(t, out[0].Done)
	assert.False(t, out[1].Done)

	empty, err := decodePayouts([]byte("[]"))
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestNumericHelpers(t *testing.T) {
	assert.Nil(t, nullableNumeric(nil))
	assert.Equal(t, "0", numeric(nil))
	bad := "1.5"
	assert.Nil(t, parseNumeric(&bad))
	assert.Equal(t, common.Address{}, parseAddress(""))
	assert.Equal(t, "", addressText(common.Address{}))
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])
}
