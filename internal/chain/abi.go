package chain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// First-generation escrow contract.
const escrowV1ABI = `[
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"getEscrow","outputs":[
		{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"token","type":"address"},
		{"name":"amount","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"disputeWindow","type":"uint256"},
		{"name":"state","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"canAutoRelease","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"},{"name":"deliverableHash","type":"bytes32"}],"name":"markDelivered","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"dispute","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"},{"name":"releaseToSeller","type":"bool"}],"name":"resolve","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"release","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"refund","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"bytes32"},{"indexed":true,"name":"buyer","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"Funded","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"bytes32"},{"indexed":false,"name":"deliverableHash","type":"bytes32"}],"name":"Delivered","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"bytes32"}],"name":"Disputed","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"bytes32"}],"name":"Released","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"bytes32"}],"name":"Refunded","type":"event"}
]`

// Second generation adds deliveredAt and renames the mutators.
const escrowV2ABI = `[
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"getEscrowV2","outputs":[
		{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"token","type":"address"},
		{"name":"amount","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"disputeWindow","type":"uint256"},
		{"name":"deliveredAt","type":"uint256"},{"name":"state","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"isAutoReleaseReady","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"},{"name":"deliverableHash","type":"bytes32"}],"name":"deliver","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"openDispute","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"},{"name":"releaseToSeller","type":"bool"}],"name":"resolveDispute","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"releaseFunds","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"refundBuyer","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"bytes32"},{"indexed":true,"name":"buyer","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"EscrowFunded","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"bytes32"},{"indexed":false,"name":"deliverableHash","type":"bytes32"},{"indexed":false,"name":"deliveredAt","type":"uint256"}],"name":"EscrowDelivered","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"bytes32"}],"name":"DisputeOpened","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"bytes32"}],"name":"FundsReleased","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"bytes32"}],"name":"BuyerRefunded","type":"event"}
]`

// contractABI binds one generation's ABI to its method and event names.
// events maps the state an escrow enters to the event the contract emits.
type contractABI struct {
	abi       abi.ABI
	getEscrow string
	ready     string
	methods   map[Method]string
	events    map[State]string
}

func loadABIs() (map[Version]*contractABI, error) {
	v1, err := abi.JSON(strings.NewReader(escrowV1ABI))
	if err != nil {
		return nil, fmt.Errorf("parse v1 escrow ABI: %w", err)
	}
	v2, err := abi.JSON(strings.NewReader(escrowV2ABI))
	if err != nil {
		return nil, fmt.Errorf("parse v2 escrow ABI: %w", err)
	}
	return map[Version]*contractABI{
		V1: {
			abi: v1, getEscrow: "getEscrow", ready: "canAutoRelease",
			methods: map[Method]string{
				MethodDeliver: "markDelivered",
				MethodDispute: "dispute",
				MethodResolve: "resolve",
				MethodRelease: "release",
				MethodRefund:  "refund",
			},
			events: map[State]string{
				StateFunded:    "Funded",
				StateDelivered: "Delivered",
				StateDisputed:  "Disputed",
				StateReleased:  "Released",
				StateRefunded:  "Refunded",
			},
		},
		V2: {
			abi: v2, getEscrow: "getEscrowV2", ready: "isAutoReleaseReady",
			methods: map[Method]string{
				MethodDeliver: "deliver",
				MethodDispute: "openDispute",
				MethodResolve: "resolveDispute",
				MethodRelease: "releaseFunds",
				MethodRefund:  "refundBuyer",
			},
			events: map[State]string{
				StateFunded:    "EscrowFunded",
				StateDelivered: "EscrowDelivered",
				StateDisputed:  "DisputeOpened",
				StateReleased:  "FundsReleased",
				StateRefunded:  "BuyerRefunded",
			},
		},
	}, nil
}

func (c *contractABI) pack(call Call) ([]byte, error) {
	name, ok := c.methods[call.Method]
	if !ok {
		return nil, ErrUnsupportedMethod.WithDetail("%s", call)
	}
	id := [32]byte(call.EscrowID)
	switch call.Method {
	case MethodDeliver:
		return c.abi.Pack(name, id, [32]byte(call.DeliverableHash))
	case MethodResolve:
		return c.abi.Pack(name, id, call.ReleaseToSeller)
	default:
		return c.abi.Pack(name, id)
	}
}

// eventTopic returns topic0 of the event emitted on entering state.
func (c *contractABI) eventTopic(state State) (string, common.Hash, bool) {
	name, ok := c.events[state]
	if !ok {
		return "", common.Hash{}, false
	}
	ev, ok := c.abi.Events[name]
	if !ok {
		return "", common.Hash{}, false
	}
	return name, ev.ID, true
}

func (c *contractABI) decodeEscrow(v Version, id EscrowID, data []byte) (*EscrowRecord, error) {
	out, err := c.abi.Unpack(c.getEscrow, data)
	if err != nil {
		return nil, ErrMalformedResponse.Wrap(err)
	}
	want := 7
	if v == V2 {
		want = 8
	}
	if len(out) != want {
		return nil, ErrMalformedResponse.WithDetail("%s returned %d values", c.getEscrow, len(out))
	}

	buyer, ok1 := out[0].(common.Address)
	seller, ok2 := out[1].(common.Address)
	token, ok3 := out[2].(common.Address)
	amount, ok4 := out[3].(*big.Int)
	deadline, ok5 := out[4].(*big.Int)
	window, ok6 := out[5].(*big.Int)
	state, ok7 := out[want-1].(uint8)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7) {
		return nil, ErrMalformedResponse.WithDetail("%s field types", c.getEscrow)
	}

	rec := &EscrowRecord{
		ID:            id,
		Version:       v,
		Buyer:         buyer,
		Seller:        seller,
		Token:         token,
		Amount:        amount,
		Deadline:      unixTime(deadline),
		DisputeWindow: time.Duration(window.Int64()) * time.Second,
		State:         State(state),
	}
	if v == V2 {
		if delivered, ok := out[6].(*big.Int); ok {
			rec.DeliveredAt = unixTime(delivered)
		}
	}
	return rec, nil
}

func (c *contractABI) decodeBool(method string, data []byte) (bool, error) {
	out, err := c.abi.Unpack(method, data)
	if err != nil {
		return false, ErrMalformedResponse.Wrap(err)
	}
	if len(out) != 1 {
		return false, ErrMalformedResponse.WithDetail("%s returned %d values", method, len(out))
	}
	b, ok := out[0].(bool)
	if !ok {
		return false, ErrMalformedResponse.WithDetail("%s did not return bool", method)
	}
	return b, nil
}

func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}
