// Package relay dispatches owner-signed calls submitted by arbitrary
// relayers, so an owner can authorise actions without paying for their
// execution.
package relay

import (
	"encoding/binary"
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/kestrelfi/limit-keeper/internal/funding"
	"github.com/kestrelfi/limit-keeper/internal/orders"
	"github.com/kestrelfi/limit-keeper/internal/types"
	"github.com/kestrelfi/limit-keeper/pkg/response"
)

// Call is one relayed operation. The set is closed: anything outside it
// fails validation, there is no reflective dispatch.
type Call struct {
	Op      string               `json:"op"` // place | cancel | claim | add_funding
	Place   *orders.PlaceRequest `json:"place,omitempty"`
	OrderID uint64               `json:"order_id,omitempty"`
	Amount  *types.BigInt        `json:"amount,omitempty"`
}

// CallResult reports the outcome of one dispatched call.
type CallResult struct {
	Op      string      `json:"op"`
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Digest binds the full call payload, the signer and the nonce into one
// hash. Binding all three is what stops a relayer replaying a signature
// against different calls.
func Digest(calls []json.RawMessage, signer common.Address, nonce uint64) common.Hash {
	var buf []byte
	for _, call := range calls {
		h := crypto.Keccak256(call)
		buf = append(buf, h...)
	}
	buf = append(buf, signer.Bytes()...)
	nonceBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(nonceBytes, nonce)
	buf = append(buf, nonceBytes...)
	return crypto.Keccak256Hash(buf)
}

// SigningHash applies the signed-message prefix to a digest, matching the
// eth_sign convention relayer clients use.
func SigningHash(digest common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte("\x19Ethereum Signed Message:\n32"), digest.Bytes())
}

// Service verifies relayed-call signatures and dispatches the inner calls
// with the recovered signer as the acting owner.
type Service struct {
	db      *Database
	orders  *orders.Service
	funding *funding.Service
}

func NewService(gormDB *gorm.DB, orderService *orders.Service, fundingService *funding.Service) *Service {
	return &Service{
		db:      NewDatabase(gormDB),
		orders:  orderService,
		funding: fundingService,
	}
}

// RelayedCall validates the signature and nonce, then dispatches each
// call as the signer. The nonce is consumed before dispatch and stays
// consumed even when an inner call fails, so a malformed signed payload
// cannot be retried without a fresh signature.
func (s *Service) RelayedCall(calls []json.RawMessage, signature []byte, signer common.Address, nonce uint64) ([]CallResult, error) {
	if len(calls) == 0 {
		return nil, types.Validationf("relayed call carries no calls")
	}

	if err := s.verifySignature(calls, signature, signer, nonce); err != nil {
		return nil, err
	}

	owner := strings.ToLower(signer.Hex())
	consumed, err := s.db.ConsumeNonce(owner, nonce)
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, types.Authf("nonce %d is not above the last consumed nonce for %s", nonce, owner)
	}

	log.Info().
		Str("signer", owner).
		Uint64("nonce", nonce).
		Int("calls", len(calls)).
		Msg("dispatching relayed call")

	results := make([]CallResult, 0, len(calls))
	for _, raw := range calls {
		results = append(results, s.dispatch(raw, owner))
	}
	return results, nil
}

func (s *Service) verifySignature(calls []json.RawMessage, signature []byte, signer common.Address, nonce uint64) error {
	if len(signature) != 65 {
		return types.Authf("signature must be 65 bytes, got %d", len(signature))
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return types.Authf("invalid recovery byte")
	}

	hash := SigningHash(Digest(calls, signer, nonce))
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return types.Authf("signature recovery failed: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != signer {
		return types.Authf("signature does not match signer %s", signer.Hex())
	}
	return nil
}

func (s *Service) dispatch(raw json.RawMessage, owner string) CallResult {
	var call Call
	if err := json.Unmarshal(raw, &call); err != nil {
		return CallResult{Op: "?", Error: "malformed call payload"}
	}

	var (
		data interface{}
		err  error
	)
	switch call.Op {
	case "place":
		if call.Place == nil {
			err = types.Validationf("place call missing parameters")
			break
		}
		data, err = s.orders.Place(owner, call.Place)
	case "cancel":
		data, err = s.orders.Cancel(call.OrderID, owner)
	case "claim":
		data, err = s.orders.Claim(call.OrderID, owner)
	case "add_funding":
		if call.Amount == nil {
			err = types.Validationf("add_funding call missing amount")
			break
		}
		data, err = s.funding.AddFunding(owner, call.Amount.Big())
	default:
		err = types.Validationf("unsupported relayed op %q", call.Op)
	}

	result := CallResult{Op: call.Op, Success: err == nil, Data: data}
	if err != nil {
		result.Error = err.Error()
		result.Data = nil
	}
	return result
}

// GinHandlers contains the HTTP handler for relayed calls.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

type relayRequest struct {
	Calls     []json.RawMessage `json:"calls" binding:"required"`
	Signature string            `json:"signature" binding:"required"`
	Signer    string            `json:"signer" binding:"required"`
	Nonce     uint64            `json:"nonce"`
}

// RelayedCallHandler handles POST requests carrying signed call bundles.
// Any caller may relay; authority comes from the signature alone.
func (h *GinHandlers) RelayedCallHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req relayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if !common.IsHexAddress(req.Signer) {
			response.BadRequest(c, "signer must be an address")
			return
		}
		results, err := h.service.RelayedCall(
			req.Calls,
			common.FromHex(req.Signature),
			common.HexToAddress(req.Signer),
			req.Nonce,
		)
		response.Handle(c, results, err)
	}
}
