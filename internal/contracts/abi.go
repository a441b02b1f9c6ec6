package contracts

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Names of the payment contract members the orchestrator depends on.
const (
	MethodSendFunds           = "sendFunds"
	MethodAddProtection       = "addProtection"
	MethodProtectionFee       = "PROTECTION_FEE"
	MethodCheckTxStatus       = "checkTxStatus"
	MethodCalculateReputation = "calculateReputation"
	MethodDispute             = "dispute"
	MethodWithdraw            = "withdraw"

	EventFundsSent = "FundsSent"
)

// Names of the ERC-20 members used for allowance gating and metadata.
const (
	MethodAllowance = "allowance"
	MethodApprove   = "approve"
	MethodBalanceOf = "balanceOf"
	MethodDecimals  = "decimals"
)

// PaymentABI is the interface of the deployed MerchantProtocol escrow contract.
const PaymentABI = `[
	{
		"type": "function",
		"name": "sendFunds",
		"inputs": [
			{"name": "merchant", "type": "address"},
			{"name": "token", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "addProtection",
		"inputs": [{"name": "txId", "type": "uint256"}],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "PROTECTION_FEE",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "checkTxStatus",
		"inputs": [{"name": "txId", "type": "uint256"}],
		"outputs": [{"name": "", "type": "uint8"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "calculateReputation",
		"inputs": [{"name": "merchant", "type": "address"}],
		"outputs": [
			{"name": "reputation", "type": "uint256"},
			{"name": "isValid", "type": "bool"}
		],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "dispute",
		"inputs": [{"name": "txId", "type": "uint256"}],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "withdraw",
		"inputs": [{"name": "txId", "type": "uint256"}],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "event",
		"name": "FundsSent",
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "txId", "type": "uint256"},
			{"indexed": true, "name": "sender", "type": "address"},
			{"indexed": true, "name": "merchant", "type": "address"},
			{"indexed": false, "name": "token", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"}
		]
	}
]`

// ERC20ABI is the subset of EIP-20 used for payment tokens and the reward token.
const ERC20ABI = `[
	{
		"type": "function",
		"name": "allowance",
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"outputs": [{"name": "remaining", "type": "uint256"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "balanceOf",
		"inputs": [{"name": "owner", "type": "address"}],
		"outputs": [{"name": "balance", "type": "uint256"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "approve",
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "value", "type": "uint256"}
		],
		"outputs": [{"name": "success", "type": "bool"}],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "decimals",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint8"}],
		"stateMutability": "view"
	},
	{
		"type": "event",
		"name": "Approval",
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "owner", "type": "address"},
			{"indexed": true, "name": "spender", "type": "address"},
			{"indexed": false, "name": "value", "type": "uint256"}
		]
	},
	{
		"type": "event",
		"name": "Transfer",
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "from", "type": "address"},
			{"indexed": true, "name": "to", "type": "address"},
			{"indexed": false, "name": "value", "type": "uint256"}
		]
	}
]`

var (
	parseOnce  sync.Once
	paymentABI abi.ABI
	erc20ABI   abi.ABI
	parseErr   error
)

func parse() {
	paymentABI, parseErr = abi.JSON(strings.NewReader(PaymentABI))
	if parseErr != nil {
		parseErr = fmt.Errorf("parse payment abi: %w", parseErr)
		return
	}
	erc20ABI, parseErr = abi.JSON(strings.NewReader(ERC20ABI))
	if parseErr != nil {
		parseErr = fmt.Errorf("parse erc20 abi: %w", parseErr)
	}
}

// Payment returns the parsed payment contract ABI.
func Payment() *abi.ABI {
	parseOnce.Do(parse)
	if parseErr != nil {
		panic(parseErr)
	}
	return &paymentABI
}

// ERC20 returns the parsed token ABI.
func ERC20() *abi.ABI {
	parseOnce.Do(parse)
	if parseErr != nil {
		panic(parseErr)
	}
	return &erc20ABI
}
