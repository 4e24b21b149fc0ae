package coordinator

import (
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/holiman/uint256"

	"dealescrow/crypto"
	"dealescrow/native/deal"
)

// PayIntent captures the minimal instructions for a wallet to send a deal
// message: destination, value and the exact message body.
type PayIntent struct {
	Address    string `json:"address"`
	AddressHex string `json:"addressHex"`
	Op         string `json:"op"`
	Amount     string `json:"amount"`
	AmountUnit string `json:"amountUnits"`
	Payload    string `json:"payload"`
	URI        string `json:"uri"`
}

func buildPayIntent(contract [20]byte, op deal.Op, amount *uint256.Int, body []byte) PayIntent {
	if amount == nil {
		amount = new(uint256.Int)
	}
	addr := crypto.AddressFrom20(crypto.DealPrefix, contract).String()
	payload := "0x" + hex.EncodeToString(body)
	coins := deal.FormatCoins(amount)
	return PayIntent{
		Address:    addr,
		AddressHex: "0x" + hex.EncodeToString(contract[:]),
		Op:         op.String(),
		Amount:     coins,
		AmountUnit: amount.Dec(),
		Payload:    payload,
		URI:        buildURI(addr, coins, payload),
	}
}

// FundingIntent is the pay intent handed to the funder after CreateEscrow.
func FundingIntent(contract [20]byte, total *uint256.Int, queryID uint64) PayIntent {
	return buildPayIntent(contract, deal.OpFund, total, deal.FundBody(queryID))
}

// DisputeIntent is the zero-value message a funder or beneficiary signs to
// open a dispute. The coordinator never signs on behalf of either party.
func DisputeIntent(contract [20]byte, queryID uint64) PayIntent {
	return buildPayIntent(contract, deal.OpDispute, nil, deal.DisputeBody(queryID))
}

func buildURI(addr, amount, payload string) string {
	values := url.Values{}
	if amount != "" && amount != "0" {
		values.Set("amount", amount)
	}
	if payload != "" {
		values.Set("payload", payload)
	}
	encoded := values.Encode()
	if encoded == "" {
		return fmt.Sprintf("dealescrow:%s", addr)
	}
	return fmt.Sprintf("dealescrow:%s?%s", addr, encoded)
}
