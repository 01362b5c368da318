package hub

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Topic names. Market topics fan out to everyone watching a market; trader
// topics carry account-private streams keyed by address.
func TopicBook(market string) string         { return fmt.Sprintf("market:%s:book", market) }
func TopicTrades(market string) string       { return fmt.Sprintf("market:%s:trades", market) }
func TopicLiquidations(market string) string { return fmt.Sprintf("market:%s:liquidations", market) }
func TopicRisk(market string) string         { return fmt.Sprintf("market:%s:risk", market) }

func TopicKlines(market string, resolutionSec int64) string {
	return fmt.Sprintf("market:%s:klines:%d", market, resolutionSec)
}

func TopicBalance(addr common.Address) string   { return fmt.Sprintf("trader:%s:balance", addr.Hex()) }
func TopicPositions(addr common.Address) string { return fmt.Sprintf("trader:%s:positions", addr.Hex()) }
func TopicOrders(addr common.Address) string    { return fmt.Sprintf("trader:%s:orders", addr.Hex()) }

// IsBookTopic reports whether the topic carries order book deltas, which are
// coalesced rather than sent per change.
func IsBookTopic(topic string) bool {
	return strings.HasPrefix(topic, "market:") && strings.HasSuffix(topic, ":book")
}
