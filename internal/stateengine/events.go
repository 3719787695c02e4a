package stateengine

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Topic-0 signatures for the recognized lending and oracle events.
var (
	borrowTopic = crypto.Keccak256Hash(
		[]byte("Borrow(address,address,address,uint256,uint256,uint256,uint16)"))
	repayTopic = crypto.Keccak256Hash(
		[]byte("Repay(address,address,address,uint256)"))
	liquidationTopic = crypto.Keccak256Hash(
		[]byte("LiquidationCall(address,address,address,uint256,uint256,address,bool)"))
	priceUpdatedTopic = crypto.Keccak256Hash(
		[]byte("AnswerUpdated(int256,uint256,uint256)"))
)

// EventKind is the decoded protocol event type.
type EventKind int

const (
	EventBorrow EventKind = iota
	EventRepay
	EventLiquidation
	EventPriceUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventBorrow:
		return "Borrow"
	case EventRepay:
		return "Repay"
	case EventLiquidation:
		return "LiquidationCall"
	case EventPriceUpdated:
		return "AnswerUpdated"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one decoded log. Fields are populated per kind: Borrow and
// Repay carry Reserve/User/Amount; Liquidation carries
// CollateralAsset/DebtAsset/User; PriceUpdated carries Price.
type Event struct {
	Kind            EventKind
	Emitter         common.Address
	Reserve         common.Address
	User            common.Address
	CollateralAsset common.Address
	DebtAsset       common.Address
	Amount          *big.Int
	Price           *big.Int
}

// DecodeLog decodes a raw log positionally. The boolean is false for
// logs whose topic-0 is not one of the recognized signatures; an error
// means the topic matched but the payload was malformed.
func DecodeLog(lg *types.Log) (Event, bool, error) {
	if len(lg.Topics) == 0 {
		return Event{}, false, nil
	}

	switch lg.Topics[0] {
	case borrowTopic:
		if len(lg.Topics) < 3 || len(lg.Data) < 32 {
			return Event{}, false, fmt.Errorf("malformed Borrow log from %s", lg.Address.Hex())
		}
		return Event{
			Kind:    EventBorrow,
			Emitter: lg.Address,
			Reserve: common.BytesToAddress(lg.Topics[1].Bytes()),
			User:    common.BytesToAddress(lg.Topics[2].Bytes()),
			Amount:  new(big.Int).SetBytes(lg.Data[:32]),
		}, true, nil

	case repayTopic:
		if len(lg.Topics) < 3 || len(lg.Data) < 32 {
			return Event{}, false, fmt.Errorf("malformed Repay log from %s", lg.Address.Hex())
		}
		return Event{
			Kind:    EventRepay,
			Emitter: lg.Address,
			Reserve: common.BytesToAddress(lg.Topics[1].Bytes()),
			User:    common.BytesToAddress(lg.Topics[2].Bytes()),
			Amount:  new(big.Int).SetBytes(lg.Data[:32]),
		}, true, nil

	case liquidationTopic:
		if len(lg.Topics) < 4 {
			return Event{}, false, fmt.Errorf("malformed LiquidationCall log from %s", lg.Address.Hex())
		}
		return Event{
			Kind:            EventLiquidation,
			Emitter:         lg.Address,
			CollateralAsset: common.BytesToAddress(lg.Topics[1].Bytes()),
			DebtAsset:       common.BytesToAddress(lg.Topics[2].Bytes()),
			User:            common.BytesToAddress(lg.Topics[3].Bytes()),
		}, true, nil

	case priceUpdatedTopic:
		if len(lg.Topics) < 2 {
			return Event{}, false, fmt.Errorf("malformed AnswerUpdated log from %s", lg.Address.Hex())
		}
		return Event{
			Kind:    EventPriceUpdated,
			Emitter: lg.Address,
			Price:   new(big.Int).SetBytes(lg.Topics[1].Bytes()),
		}, true, nil
	}

	return Event{}, false, nil
}
