// Account-contract transaction building: EIP-1559 calls into the deployed
// HTLC contracts. Native-coin swaps carry value with the fund call; token
// swaps move value through the token contract's allowance.
package txbuilder

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/atomicmesh/atomicmesh/internal/adapter"
	"github.com/atomicmesh/atomicmesh/internal/chain"
	"github.com/atomicmesh/atomicmesh/internal/contract"
)

// htlcABIJSON covers both deployed HTLC contracts. The token variants take
// the token address and amount explicitly; the coin variants read msg.value.
const htlcABIJSON = `[
	{"name":"fund","type":"function","stateMutability":"payable","inputs":[
		{"name":"secretHash","type":"bytes32"},
		{"name":"recipient","type":"address"},
		{"name":"expiry","type":"uint256"}],"outputs":[{"name":"lockId","type":"bytes32"}]},
	{"name":"fundToken","type":"function","stateMutability":"nonpayable","inputs":[
		{"name":"secretHash","type":"bytes32"},
		{"name":"recipient","type":"address"},
		{"name":"expiry","type":"uint256"},
		{"name":"token","type":"address"},
		{"name":"amount","type":"uint256"}],"outputs":[{"name":"lockId","type":"bytes32"}]},
	{"name":"withdraw","type":"function","stateMutability":"nonpayable","inputs":[
		{"name":"lockId","type":"bytes32"},
		{"name":"secret","type":"bytes32"}],"outputs":[]},
	{"name":"refund","type":"function","stateMutability":"nonpayable","inputs":[
		{"name":"lockId","type":"bytes32"}],"outputs":[]}
]`

const erc20ABIJSON = `[
	{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[
		{"name":"spender","type":"address"},
		{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var (
	htlcABI  = mustParseABI(htlcABIJSON)
	erc20ABI = mustParseABI(erc20ABIJSON)
)

func mustParseABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("bad ABI: %v", err))
	}
	return parsed
}

// Gas limits per call kind.
const (
	gasLimitFund     = 200000
	gasLimitWithdraw = 120000
	gasLimitRefund   = 100000
	gasLimitApprove  = 60000
)

// EVMTxParams carries the chain observations an EVM transaction needs.
type EVMTxParams struct {
	Nonce     uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
}

// BuildEVMFund builds and signs the fund call. For token swaps the caller
// must have approved the token HTLC contract beforehand (BuildEVMApprove).
func BuildEVMFund(instance *adapter.Instance, txParams EVMTxParams, privKey []byte) (*SwapTransaction, error) {
	params, chainParams, err := evmInstanceParams(instance)
	if err != nil {
		return nil, err
	}

	var secretHash [32]byte
	copy(secretHash[:], params.SecretHash)
	recipient := common.HexToAddress(params.Recipient.Address)
	expiry := new(big.Int).SetUint64(params.Expiry.Value)

	var data []byte
	var value *big.Int
	var gasLimit uint64 = gasLimitFund
	if params.Asset.TokenAddress == "" {
		data, err = htlcABI.Pack("fund", secretHash, recipient, expiry)
		value = new(big.Int).SetUint64(params.Amount)
	} else {
		data, err = htlcABI.Pack("fundToken", secretHash, recipient, expiry,
			common.HexToAddress(params.Asset.TokenAddress),
			new(big.Int).SetUint64(params.Amount))
		value = new(big.Int)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pack fund call: %w", err)
	}

	return signEVMTx(KindFund, instance, chainParams, txParams, instance.Address, value, data, gasLimit, privKey, 0)
}

// BuildEVMApprove builds the token allowance call that must confirm before a
// token fund.
func BuildEVMApprove(instance *adapter.Instance, txParams EVMTxParams, privKey []byte) (*SwapTransaction, error) {
	params, chainParams, err := evmInstanceParams(instance)
	if err != nil {
		return nil, err
	}
	if params.Asset.TokenAddress == "" {
		return nil, fmt.Errorf("%w: native coin swap needs no approval", ErrBadInstance)
	}

	data, err := erc20ABI.Pack("approve",
		common.HexToAddress(instance.Address),
		new(big.Int).SetUint64(params.Amount))
	if err != nil {
		return nil, fmt.Errorf("failed to pack approve call: %w", err)
	}

	return signEVMTx(KindFund, instance, chainParams, txParams,
		params.Asset.TokenAddress, new(big.Int), data, gasLimitApprove, privKey, 0)
}

// BuildEVMWithdraw builds and signs the claim call, revealing the secret.
func BuildEVMWithdraw(instance *adapter.Instance, secret []byte, txParams EVMTxParams, privKey []byte) (*SwapTransaction, error) {
	_, chainParams, err := evmInstanceParams(instance)
	if err != nil {
		return nil, err
	}
	if len(secret) != 32 {
		return nil, fmt.Errorf("secret must be 32 bytes, got %d", len(secret))
	}
	if err := verifyClaimSecret(instance, secret); err != nil {
		return nil, err
	}

	var lockID, secretWord [32]byte
	copy(lockID[:], instance.LockID)
	copy(secretWord[:], secret)

	data, err := htlcABI.Pack("withdraw", lockID, secretWord)
	if err != nil {
		return nil, fmt.Errorf("failed to pack withdraw call: %w", err)
	}

	return signEVMTx(KindClaim, instance, chainParams, txParams,
		instance.Address, new(big.Int), data, gasLimitWithdraw, privKey, 0)
}

// BuildEVMRefund builds and signs the refund call. The contract reverts
// before the expiry timestamp, so MinBroadcastHead carries the expiry.
func BuildEVMRefund(instance *adapter.Instance, txParams EVMTxParams, privKey []byte) (*SwapTransaction, error) {
	_, chainParams, err := evmInstanceParams(instance)
	if err != nil {
		return nil, err
	}

	var lockID [32]byte
	copy(lockID[:], instance.LockID)

	data, err := htlcABI.Pack("refund", lockID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack refund call: %w", err)
	}

	return signEVMTx(KindRefund, instance, chainParams, txParams,
		instance.Address, new(big.Int), data, gasLimitRefund, privKey,
		instance.Params.Expiry.Value)
}

func evmInstanceParams(instance *adapter.Instance) (*contract.Parameters, *chain.Params, error) {
	if instance.Family != chain.FamilyAccountContract {
		return nil, nil, fmt.Errorf("%w: family %s", ErrBadInstance, instance.Family)
	}
	chainParams, err := instance.Params.ChainParams()
	if err != nil {
		return nil, nil, err
	}
	return instance.Params, chainParams, nil
}

func signEVMTx(
	kind Kind,
	instance *adapter.Instance,
	chainParams *chain.Params,
	txParams EVMTxParams,
	to string,
	value *big.Int,
	data []byte,
	gasLimit uint64,
	privKey []byte,
	minHead uint64,
) (*SwapTransaction, error) {
	key, err := crypto.ToECDSA(privKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	toAddr := common.HexToAddress(to)
	chainID := new(big.Int).SetUint64(chainParams.ChainID)
	unsigned := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     txParams.Nonce,
		GasTipCap: txParams.GasTipCap,
		GasFeeCap: txParams.GasFeeCap,
		Gas:       gasLimit,
		To:        &toAddr,
		Value:     value,
		Data:      data,
	})

	signed, err := types.SignTx(unsigned, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}

	tx := newSwapTransaction(kind, instance.Params.Chain, instance.Params.Network)
	tx.Status = StatusSigned
	tx.Raw = raw
	tx.TxID = signed.Hash().Hex()
	tx.Fee = gasLimit * txParams.GasFeeCap.Uint64()
	tx.MinBroadcastHead = minHead
	return tx, nil
}
