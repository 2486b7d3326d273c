package rpc

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"escrowmarket/core"
	"escrowmarket/crypto"
	"escrowmarket/gateway/middleware"
	"escrowmarket/native/escrow"
	"escrowmarket/observability/journal"
)

const (
	codeEscrowInvalidArgument     = -32021
	codeEscrowNotFound            = -32022
	codeEscrowForbidden           = -32023
	codeEscrowInvalidState        = -32024
	codeEscrowTransferFailed      = -32025
	codeEscrowInvalidPrincipal    = -32026
	codeEscrowInsufficientPayment = -32027
	codeEscrowSelfTrade           = -32028
	codeEscrowEmptyReason         = -32029
	codeEscrowOutOfRange          = -32030
	codeEscrowAlreadyRated        = -32031
	codeEscrowAdminAlreadySet     = -32032
)

const maxEventsLimit = 500

type registerItemParams struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       string `json:"price"`
}

type itemIDParams struct {
	ID uint64 `json:"id"`
}

type buyItemParams struct {
	ID     uint64 `json:"id"`
	Amount string `json:"amount"`
}

type reasonParams struct {
	ID     uint64 `json:"id"`
	Reason string `json:"reason"`
}

type resolveDisputeParams struct {
	ID         uint64 `json:"id"`
	FavorBuyer bool   `json:"favorBuyer"`
	Reason     string `json:"reason"`
}

type rateParams struct {
	ID     uint64 `json:"id"`
	Rating int    `json:"rating"`
}

type sellerParams struct {
	Seller string `json:"seller"`
}

type buyerParams struct {
	Buyer string `json:"buyer"`
}

type addressParams struct {
	Address string `json:"address"`
}

type eventsParams struct {
	Type   string `json:"type,omitempty"`
	ItemID uint64 `json:"itemId,omitempty"`
	After  int64  `json:"after,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type itemJSON struct {
	ID               uint64 `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	Price            string `json:"price"`
	Seller           string `json:"seller"`
	Buyer            string `json:"buyer,omitempty"`
	Status           string `json:"status"`
	Escrow           string `json:"escrow"`
	Rating           *uint8 `json:"rating,omitempty"`
	RefundReason     string `json:"refundReason,omitempty"`
	RefusalReason    string `json:"refusalReason,omitempty"`
	ResolutionReason string `json:"resolutionReason,omitempty"`
	FavorBuyer       *bool  `json:"favorBuyer,omitempty"`
	CreatedAt        int64  `json:"createdAt"`
	UpdatedAt        int64  `json:"updatedAt"`
}

type itemListJSON struct {
	Principal string   `json:"principal"`
	Items     []uint64 `json:"items"`
}

type balanceJSON struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type summaryJSON struct {
	Items        uint64            `json:"items"`
	Admin        string            `json:"admin,omitempty"`
	TotalEscrow  string            `json:"totalEscrow"`
	VaultBalance string            `json:"vaultBalance"`
	ByStatus     map[string]uint64 `json:"byStatus"`
}

type eventsJSON struct {
	Events []journal.Record `json:"events"`
}

func (s *Server) routes() map[string]method {
	return map[string]method{
		"escrow_registerItem":     {handler: s.handleRegisterItem, requireAuth: true},
		"escrow_getItem":          {handler: s.handleGetItem},
		"escrow_getItemsBySeller": {handler: s.handleGetItemsBySeller},
		"escrow_getItemsByBuyer":  {handler: s.handleGetItemsByBuyer},
		"escrow_buyItem":          {handler: s.handleBuyItem, requireAuth: true},
		"escrow_confirmItem":      {handler: s.handleConfirmItem, requireAuth: true},
		"escrow_requestRefund":    {handler: s.handleRequestRefund, requireAuth: true},
		"escrow_approveRefund":    {handler: s.handleApproveRefund, requireAuth: true},
		"escrow_refuseRefund":     {handler: s.handleRefuseRefund, requireAuth: true},
		"escrow_resolveDispute":   {handler: s.handleResolveDispute, requireAuth: true},
		"escrow_rateTransaction":  {handler: s.handleRateTransaction, requireAuth: true},
		"escrow_summary":          {handler: s.handleSummary},
		"escrow_events":           {handler: s.handleEvents},
		"bank_balance":            {handler: s.handleBalance},
	}
}

func callerFrom(r *http.Request) [20]byte {
	caller, _ := middleware.Principal(r.Context())
	return caller
}

func (s *Server) handleRegisterItem(r *http.Request, req *RPCRequest) (interface{}, error) {
	var params registerItemParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	price, err := parseAmount("price", params.Price)
	if err != nil {
		return nil, err
	}
	item, err := s.ledger.RegisterItem(callerFrom(r), params.Name, params.Description, price)
	if err != nil {
		return nil, err
	}
	return formatItem(item), nil
}

func (s *Server) handleGetItem(r *http.Request, req *RPCRequest) (interface{}, error) {
	var params itemIDParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	item, err := s.ledger.Item(params.ID)
	if err != nil {
		return nil, err
	}
	return formatItem(item), nil
}

func (s *Server) handleGetItemsBySeller(r *http.Request, req *RPCRequest) (interface{}, error) {
	var params sellerParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	seller, err := parseAddress("seller", params.Seller)
	if err != nil {
		return nil, err
	}
	ids, err := s.ledger.ItemsBySeller(seller)
	if err != nil {
		return nil, err
	}
	return itemListJSON{Principal: formatAddress(seller), Items: nonNilIDs(ids)}, nil
}

func (s *Server) handleGetItemsByBuyer(r *http.Request, req *RPCRequest) (interface{}, error) {
	var params buyerParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	buyer, err := parseAddress("buyer", params.Buyer)
	if err != nil {
		return nil, err
	}
	ids, err := s.ledger.ItemsByBuyer(buyer)
	if err != nil {
		return nil, err
	}
	return itemListJSON{Principal: formatAddress(buyer), Items: nonNilIDs(ids)}, nil
}

func (s *Server) handleBuyItem(r *http.Request, req *RPCRequest) (interface{}, error) {
	var params buyItemParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.BuyItem(params.ID, callerFrom(r), amount); err != nil {
		return nil, err
	}
	return s.itemResult(params.ID)
}

func (s *Server) handleConfirmItem(r *http.Request, req *RPCRequest) (interface{}, error) {
	var params itemIDParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if err := s.ledger.ConfirmItem(params.ID, callerFrom(r)); err != nil {
		return nil, err
	}
	return s.itemResult(params.ID)
}

func (s *Server) handleRequestRefund(r *http.Request, req *RPCRequest) (interface{}, error) {
	var params reasonParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if err := s.ledger.RequestRefund(params.ID, callerFrom(r), params.Reason); err != nil {
		return nil, err
	}
	return s.itemResult(params.ID)
}

func (s *Server) handleApproveRefund(r *http.Request, req *RPCRequest) (interface{}, error) {
	var params itemIDParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if err := s.ledger.ApproveRefund(params.ID, callerFrom(r)); err != nil {
		return nil, err
	}
	return s.itemResult(params.ID)
}

func (s *Server) handleRefuseRefund(r *http.Request, req *RPCRequest) (interface{}, error) {
	var params reasonParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if err := s.ledger.RefuseRefund(params.ID, callerFrom(r), params.Reason); err != nil {
		return nil, err
	}
	return s.itemResult(params.ID)
}

func (s *Server) handleResolveDispute(r *http.Request, req *RPCRequest) (interface{}, error) {
	var params resolveDisputeParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if err := s.ledger.ResolveDispute(params.ID, callerFrom(r), params.FavorBuyer, params.Reason); err != nil {
		return nil, err
	}
	return s.itemResult(params.ID)
}

func (s *Server) handleRateTransaction(r *http.Request, req *RPCRequest) (interface{}, error) {
	var params rateParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if err := s.ledger.RateTransaction(params.ID, callerFrom(r), params.Rating); err != nil {
		return nil, err
	}
	return s.itemResult(params.ID)
}

func (s *Server) handleSummary(r *http.Request, req *RPCRequest) (interface{}, error) {
	if len(req.Params) > 1 {
		return nil, invalidParams("escrow_summary takes no parameters")
	}
	summary, err := s.ledger.Summary()
	if err != nil {
		return nil, err
	}
	return formatSummary(summary), nil
}

func (s *Server) handleBalance(r *http.Request, req *RPCRequest) (interface{}, error) {
	var params addressParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	addr, err := parseAddress("address", params.Address)
	if err != nil {
		return nil, err
	}
	balance, err := s.ledger.Balance(addr)
	if err != nil {
		return nil, err
	}
	return balanceJSON{Address: formatAddress(addr), Balance: balance.String()}, nil
}

func (s *Server) handleEvents(r *http.Request, req *RPCRequest) (interface{}, error) {
	if s.journal == nil {
		return nil, errJournalUnavailable
	}
	var params eventsParams
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
	}
	if params.Limit < 0 || params.Limit > maxEventsLimit {
		return nil, invalidParams("limit must be between 0 and %d", maxEventsLimit)
	}
	records, err := s.journal.List(r.Context(), journal.Query{
		Type:   strings.TrimSpace(params.Type),
		ItemID: params.ItemID,
		After:  params.After,
		Limit:  params.Limit,
	})
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []journal.Record{}
	}
	return eventsJSON{Events: records}, nil
}

func (s *Server) itemResult(id uint64) (interface{}, error) {
	item, err := s.ledger.Item(id)
	if err != nil {
		return nil, err
	}
	return formatItem(item), nil
}

func formatItem(item *escrow.Item) itemJSON {
	out := itemJSON{
		ID:               item.ID,
		Name:             item.Name,
		Description:      item.Description,
		Price:            item.Price.String(),
		Seller:           formatAddress(item.Seller),
		Status:           item.Status.String(),
		Escrow:           item.Escrow.String(),
		RefundReason:     item.RefundReason,
		RefusalReason:    item.RefusalReason,
		ResolutionReason: item.ResolutionReason,
		CreatedAt:        item.CreatedAt,
		UpdatedAt:        item.UpdatedAt,
	}
	if item.HasBuyer() {
		out.Buyer = formatAddress(item.Buyer)
	}
	if item.Rated {
		rating := item.Rating
		out.Rating = &rating
	}
	if item.Status == escrow.StatusDisputedResolved {
		favor := item.FavorBuyer
		out.FavorBuyer = &favor
	}
	return out
}

func formatSummary(summary *core.Summary) summaryJSON {
	out := summaryJSON{
		Items:        summary.Items,
		TotalEscrow:  summary.TotalEscrow.String(),
		VaultBalance: summary.VaultBalance.String(),
		ByStatus:     make(map[string]uint64, len(summary.ByStatus)),
	}
	if summary.Admin != ([20]byte{}) {
		out.Admin = formatAddress(summary.Admin)
	}
	for status, count := range summary.ByStatus {
		out.ByStatus[status.String()] = count
	}
	return out
}

func formatAddress(addr [20]byte) string {
	return crypto.MarketAddress(addr).String()
}

// parseAddress reports a missing or zero principal as a domain error so it
// maps to invalid_principal; anything undecodable is a malformed parameter.
func parseAddress(field, value string) ([20]byte, error) {
	if strings.TrimSpace(value) == "" {
		return [20]byte{}, fmt.Errorf("%w: %s required", escrow.ErrInvalidPrincipal, field)
	}
	addr, err := crypto.ParsePrincipal(value)
	if errors.Is(err, crypto.ErrZeroAddress) {
		return [20]byte{}, fmt.Errorf("%w: %s must not be the zero address", escrow.ErrInvalidPrincipal, field)
	}
	if err != nil {
		return [20]byte{}, invalidParams("%s: %v", field, err)
	}
	return addr, nil
}

// parseAmount accepts non-negative base-10 integers. Zero is passed through so
// the ledger can report the domain error.
func parseAmount(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, invalidParams("%s required", field)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, invalidParams("%s must be a base-10 integer", field)
	}
	if amount.Sign() < 0 {
		return nil, invalidParams("%s must not be negative", field)
	}
	return amount, nil
}

func nonNilIDs(ids []uint64) []uint64 {
	if ids == nil {
		return []uint64{}
	}
	return ids
}

func writeEscrowError(w http.ResponseWriter, id interface{}, err error) string {
	kind := escrow.ErrorKind(err)
	status := http.StatusInternalServerError
	code := codeServerError
	message := "internal_error"
	switch {
	case errors.Is(err, escrow.ErrInvalidArgument):
		status, code, message = http.StatusBadRequest, codeEscrowInvalidArgument, "invalid_argument"
	case errors.Is(err, escrow.ErrNotFound):
		status, code, message = http.StatusNotFound, codeEscrowNotFound, "not_found"
	case errors.Is(err, escrow.ErrNotAuthorized):
		status, code, message = http.StatusForbidden, codeEscrowForbidden, "forbidden"
	case errors.Is(err, escrow.ErrInvalidState):
		status, code, message = http.StatusConflict, codeEscrowInvalidState, "invalid_state"
	case errors.Is(err, escrow.ErrTransferFailed):
		status, code, message = http.StatusBadGateway, codeEscrowTransferFailed, "transfer_failed"
	case errors.Is(err, escrow.ErrInvalidPrincipal):
		status, code, message = http.StatusBadRequest, codeEscrowInvalidPrincipal, "invalid_principal"
	case errors.Is(err, escrow.ErrInsufficientPayment):
		status, code, message = http.StatusPaymentRequired, codeEscrowInsufficientPayment, "insufficient_payment"
	case errors.Is(err, escrow.ErrSelfTrade):
		status, code, message = http.StatusConflict, codeEscrowSelfTrade, "self_trade"
	case errors.Is(err, escrow.ErrEmptyReason):
		status, code, message = http.StatusBadRequest, codeEscrowEmptyReason, "empty_reason"
	case errors.Is(err, escrow.ErrOutOfRange):
		status, code, message = http.StatusBadRequest, codeEscrowOutOfRange, "out_of_range"
	case errors.Is(err, escrow.ErrAlreadyRated):
		status, code, message = http.StatusConflict, codeEscrowAlreadyRated, "already_rated"
	case errors.Is(err, escrow.ErrAdminAlreadySet):
		status, code, message = http.StatusConflict, codeEscrowAdminAlreadySet, "admin_already_set"
	}
	writeError(w, status, id, code, message, err.Error())
	return kind
}
