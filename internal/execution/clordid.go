package execution

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"campaign-engine/internal/model"
)

// Name-based UUID namespace for client order ids.
var clOrdNamespace = uuid.MustParse("5f0c9a3e-8d0b-4c55-9a59-3c2f6e7d1b40")

// ClientOrderID derives the client order id of a trading decision from
// (campaign, instrument, side, leverage, size). A non-empty decision key
// (e.g. the signal timestamp) distinguishes separate decisions with the
// same parameters. Identical inputs always yield the same id, so a retry
// after an ambiguous failure is recognised by the exchange as the same order.
//
// The id is a SHA1 name-based UUID rendered as 32 hex characters.
func ClientOrderID(campaignID, instID string, side model.Side, leverage int, size decimal.Decimal, decision string) string {
	return derive("open", campaignID, instID, string(side), strconv.Itoa(leverage), size.String(), decision)
}

// CloseOrderID derives the client order id of a close decision.
func CloseOrderID(campaignID, instID string, side model.Side, decision string) string {
	return derive("close", campaignID, instID, string(side), decision)
}

// TrailingOrderID derives the algo client order id of the trailing stop
// attached to an open decision.
func TrailingOrderID(openClOrdID string) string {
	return derive("trail", openClOrdID)
}

func derive(parts ...string) string {
	id := uuid.NewSHA1(clOrdNamespace, []byte(strings.Join(parts, "|")))
	return strings.ReplaceAll(id.String(), "-", "")
}
