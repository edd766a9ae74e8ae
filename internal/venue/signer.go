package venue

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signature is the r/s/v triple the exchange endpoint expects.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

// ActionSigner is the capability the client needs to authorize writes.
// The secret store hands out implementations without ever exposing the raw
// private key to callers; the client is polymorphic over this interface.
type ActionSigner interface {
	Address() common.Address
	// SignAction signs a nonce-bearing trading action (order, cancel,
	// leverage update) for the exchange endpoint.
	SignAction(action any, nonce uint64) (Signature, error)
	// SignAgentApproval signs the typed-data message that authorizes an
	// agent wallet for trading-only access.
	SignAgentApproval(approval AgentApproval) (Signature, error)
}

// AgentApproval is the typed-data payload for approving an agent wallet.
// The agent's authority is scoped to trading actions; withdrawals are
// impossible by construction on the venue side.
type AgentApproval struct {
	HyperliquidChain string `json:"hyperliquidChain"` // "Mainnet" or "Testnet"
	SignatureChainID string `json:"signatureChainId"` // hex chain id
	AgentAddress     string `json:"agentAddress"`
	AgentName        string `json:"agentName"`
	Nonce            uint64 `json:"nonce"`
}

// Signer signs venue payloads with a secp256k1 key. Construct it inside a
// secrets.Handle.Use callback so the hex key is zeroed once parsed.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// SignerFromKeyHex parses a hex private key (with or without 0x prefix) and
// returns a Signer bound to the given signature chain id.
func SignerFromKeyHex(keyHex string, chainID int64) (*Signer, error) {
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    big.NewInt(chainID),
	}, nil
}

// Address returns the signer's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignAction signs a trading action for the exchange endpoint. The action
// JSON and nonce are hashed into a 32-byte connection id, which is signed as
// the venue's "Agent" typed-data message. The nonce binds the signature to a
// single submission.
func (s *Signer) SignAction(action any, nonce uint64) (Signature, error) {
	raw, err := json.Marshal(action)
	if err != nil {
		return Signature{}, fmt.Errorf("marshal action: %w", err)
	}

	nonceBytes := make([]byte, 8)
	for i := 0; i < 8; i++ {
		nonceBytes[7-i] = byte(nonce >> (8 * i))
	}
	connectionID := crypto.Keccak256Hash(append(raw, nonceBytes...))

	sig, err := s.signTypedData(
		&apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(big.NewInt(1337)),
			VerifyingContract: common.Address{}.Hex(),
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		apitypes.TypedDataMessage{
			"source":       "a",
			"connectionId": connectionID.Bytes(),
		},
		"Agent",
	)
	if err != nil {
		return Signature{}, fmt.Errorf("sign action: %w", err)
	}
	return splitSignature(sig), nil
}

// SignAgentApproval signs the HyperliquidSignTransaction:ApproveAgent typed
// data with the account's main wallet key.
func (s *Signer) SignAgentApproval(approval AgentApproval) (Signature, error) {
	sig, err := s.signTypedData(
		&apitypes.TypedDataDomain{
			Name:              "HyperliquidSignTransaction",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
			VerifyingContract: common.Address{}.Hex(),
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"HyperliquidTransaction:ApproveAgent": {
				{Name: "hyperliquidChain", Type: "string"},
				{Name: "agentAddress", Type: "address"},
				{Name: "agentName", Type: "string"},
				{Name: "nonce", Type: "uint64"},
			},
		},
		apitypes.TypedDataMessage{
			"hyperliquidChain": approval.HyperliquidChain,
			"agentAddress":     approval.AgentAddress,
			"agentName":        approval.AgentName,
			"nonce":            new(big.Int).SetUint64(approval.Nonce),
		},
		"HyperliquidTransaction:ApproveAgent",
	)
	if err != nil {
		return Signature{}, fmt.Errorf("sign agent approval: %w", err)
	}
	return splitSignature(sig), nil
}

// signTypedData signs EIP-712 typed data and adjusts V to 27/28.
func (s *Signer) signTypedData(
	domain *apitypes.TypedDataDomain,
	typesDef apitypes.Types,
	message apitypes.TypedDataMessage,
	primaryType string,
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: primaryType,
		Domain:      *domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}

	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

func splitSignature(sig []byte) Signature {
	return Signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: sig[64],
	}
}
