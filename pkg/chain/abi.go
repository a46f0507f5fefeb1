package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[],"name":"mint","outputs":[],"type":"function"}
]`

// escrowABIJSON is the escrow contract's consumed ABI surface (§6): bond,
// claim, isBonded, minBond, reward.
const escrowABIJSON = `[
	{"inputs":[],"name":"bond","outputs":[],"type":"function"},
	{"inputs":[{"name":"proof","type":"bytes"},{"name":"path","type":"bytes"},{"name":"receiptIndex","type":"uint256"},{"name":"logIndex","type":"uint256"}],"name":"claim","outputs":[],"type":"function"},
	{"inputs":[],"name":"isBonded","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"minBond","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"reward","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)
var escrowABI = mustParseABI(escrowABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
