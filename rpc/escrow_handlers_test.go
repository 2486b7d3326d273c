package rpc

import (
	"net/http"
	"testing"

	"escrowmarket/native/escrow"
)

func registerLamp(t *testing.T, env *testEnv, price string) itemJSON {
	t.Helper()
	var item itemJSON
	env.mustCall(addrPtr(testSeller), "escrow_registerItem", map[string]interface{}{
		"name":        "Lamp",
		"description": "brass desk lamp",
		"price":       price,
	}, &item)
	return item
}

func TestEscrowPurchaseConfirmAndRate(t *testing.T) {
	env := newTestEnv(t)
	item := registerLamp(t, env, "100")
	if item.ID != 1 || item.Status != escrow.StatusOnSale.String() || item.Buyer != "" {
		t.Fatalf("unexpected registered item %+v", item)
	}
	if item.Seller != formatAddress(testSeller) {
		t.Fatalf("unexpected seller %s", item.Seller)
	}

	var bought itemJSON
	env.mustCall(addrPtr(testBuyer), "escrow_buyItem", map[string]interface{}{"id": 1, "amount": "120"}, &bought)
	if bought.Status != escrow.StatusInTransaction.String() || bought.Escrow != "120" {
		t.Fatalf("unexpected bought item %+v", bought)
	}
	if bought.Buyer != formatAddress(testBuyer) {
		t.Fatalf("unexpected buyer %s", bought.Buyer)
	}

	var confirmed itemJSON
	env.mustCall(addrPtr(testBuyer), "escrow_confirmItem", map[string]interface{}{"id": 1}, &confirmed)
	if confirmed.Status != escrow.StatusCompleted.String() || confirmed.Escrow != "0" {
		t.Fatalf("unexpected confirmed item %+v", confirmed)
	}

	var balance balanceJSON
	env.mustCall(nil, "bank_balance", map[string]interface{}{"address": formatAddress(testSeller)}, &balance)
	if balance.Balance != "120" {
		t.Fatalf("expected seller balance 120, got %s", balance.Balance)
	}

	var rated itemJSON
	env.mustCall(addrPtr(testBuyer), "escrow_rateTransaction", map[string]interface{}{"id": 1, "rating": 5}, &rated)
	if rated.Rating == nil || *rated.Rating != 5 {
		t.Fatalf("expected rating 5, got %+v", rated.Rating)
	}

	var bySeller, byBuyer itemListJSON
	env.mustCall(nil, "escrow_getItemsBySeller", map[string]interface{}{"seller": formatAddress(testSeller)}, &bySeller)
	env.mustCall(nil, "escrow_getItemsByBuyer", map[string]interface{}{"buyer": formatAddress(testBuyer)}, &byBuyer)
	if len(bySeller.Items) != 1 || bySeller.Items[0] != 1 || len(byBuyer.Items) != 1 || byBuyer.Items[0] != 1 {
		t.Fatalf("unexpected indexes seller=%v buyer=%v", bySeller.Items, byBuyer.Items)
	}

	var summary summaryJSON
	env.mustCall(nil, "escrow_summary", nil, &summary)
	if summary.Items != 1 || summary.TotalEscrow != "0" || summary.VaultBalance != "0" {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.ByStatus[escrow.StatusCompleted.String()] != 1 {
		t.Fatalf("expected one completed item, got %v", summary.ByStatus)
	}
	if summary.Admin != formatAddress(testAdmin) {
		t.Fatalf("unexpected admin %s", summary.Admin)
	}

	var events eventsJSON
	env.mustCall(nil, "escrow_events", map[string]interface{}{"type": escrow.EventTypeItemRated}, &events)
	if len(events.Events) != 1 || events.Events[0].ItemID != 1 {
		t.Fatalf("expected one rating event, got %+v", events.Events)
	}
}

func TestEscrowDisputeResolvedByAdmin(t *testing.T) {
	env := newTestEnv(t)
	registerLamp(t, env, "50")
	env.mustCall(addrPtr(testBuyer), "escrow_buyItem", map[string]interface{}{"id": 1, "amount": "50"}, nil)
	env.mustCall(addrPtr(testBuyer), "escrow_requestRefund", map[string]interface{}{"id": 1, "reason": "arrived broken"}, nil)

	var refused itemJSON
	env.mustCall(addrPtr(testSeller), "escrow_refuseRefund", map[string]interface{}{"id": 1, "reason": "worked when shipped"}, &refused)
	if refused.Status != escrow.StatusDisputed.String() || refused.RefusalReason != "worked when shipped" {
		t.Fatalf("unexpected disputed item %+v", refused)
	}

	_, _, rpcErr := env.call(addrPtr(testSeller), "escrow_resolveDispute", map[string]interface{}{"id": 1, "favorBuyer": false, "reason": "mine"})
	if rpcErr == nil || rpcErr.Code != codeEscrowForbidden {
		t.Fatalf("expected forbidden for seller, got %+v", rpcErr)
	}

	var resolved itemJSON
	env.mustCall(addrPtr(testAdmin), "escrow_resolveDispute", map[string]interface{}{"id": 1, "favorBuyer": true, "reason": "photos confirm damage"}, &resolved)
	if resolved.Status != escrow.StatusDisputedResolved.String() || resolved.FavorBuyer == nil || !*resolved.FavorBuyer {
		t.Fatalf("unexpected resolved item %+v", resolved)
	}

	var balance balanceJSON
	env.mustCall(nil, "bank_balance", map[string]interface{}{"address": formatAddress(testBuyer)}, &balance)
	if balance.Balance != "1000" {
		t.Fatalf("expected buyer refunded to 1000, got %s", balance.Balance)
	}
}

func TestEscrowRefundApproved(t *testing.T) {
	env := newTestEnv(t)
	registerLamp(t, env, "40")
	env.mustCall(addrPtr(testBuyer), "escrow_buyItem", map[string]interface{}{"id": 1, "amount": "40"}, nil)
	env.mustCall(addrPtr(testBuyer), "escrow_requestRefund", map[string]interface{}{"id": 1, "reason": "changed my mind"}, nil)
	var refunded itemJSON
	env.mustCall(addrPtr(testSeller), "escrow_approveRefund", map[string]interface{}{"id": 1}, &refunded)
	if refunded.Status != escrow.StatusRefunded.String() || refunded.Escrow != "0" {
		t.Fatalf("unexpected refunded item %+v", refunded)
	}
	_, _, rpcErr := env.call(addrPtr(testSeller), "escrow_approveRefund", map[string]interface{}{"id": 1})
	if rpcErr == nil || rpcErr.Code != codeEscrowInvalidState {
		t.Fatalf("expected invalid state on second approval, got %+v", rpcErr)
	}
}

func TestEscrowErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	registerLamp(t, env, "100")

	cases := []struct {
		name       string
		caller     [20]byte
		method     string
		params     map[string]interface{}
		wantStatus int
		wantCode   int
	}{
		{"not_found", testBuyer, "escrow_getItem", map[string]interface{}{"id": 9}, http.StatusNotFound, codeEscrowNotFound},
		{"self_trade", testSeller, "escrow_buyItem", map[string]interface{}{"id": 1, "amount": "100"}, http.StatusConflict, codeEscrowSelfTrade},
		{"underpaid", testBuyer, "escrow_buyItem", map[string]interface{}{"id": 1, "amount": "99"}, http.StatusPaymentRequired, codeEscrowInsufficientPayment},
		{"confirm_on_sale", testBuyer, "escrow_confirmItem", map[string]interface{}{"id": 1}, http.StatusConflict, codeEscrowInvalidState},
		{"empty_name", testSeller, "escrow_registerItem", map[string]interface{}{"name": " ", "price": "1"}, http.StatusBadRequest, codeEscrowInvalidArgument},
		{"zero_price", testSeller, "escrow_registerItem", map[string]interface{}{"name": "Cup", "price": "0"}, http.StatusBadRequest, codeEscrowInvalidArgument},
		{"rate_stranger", testOther, "escrow_rateTransaction", map[string]interface{}{"id": 1, "rating": 3}, http.StatusForbidden, codeEscrowForbidden},
		{"zero_seller", testBuyer, "escrow_getItemsBySeller", map[string]interface{}{"seller": formatAddress([20]byte{})}, http.StatusBadRequest, codeEscrowInvalidPrincipal},
		{"empty_seller", testBuyer, "escrow_getItemsBySeller", map[string]interface{}{"seller": ""}, http.StatusBadRequest, codeEscrowInvalidPrincipal},
		{"zero_buyer", testBuyer, "escrow_getItemsByBuyer", map[string]interface{}{"buyer": formatAddress([20]byte{})}, http.StatusBadRequest, codeEscrowInvalidPrincipal},
		{"empty_buyer", testBuyer, "escrow_getItemsByBuyer", map[string]interface{}{"buyer": "  "}, http.StatusBadRequest, codeEscrowInvalidPrincipal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder, _, rpcErr := env.call(addrPtr(tc.caller), tc.method, tc.params)
			if recorder.Code != tc.wantStatus {
				t.Fatalf("expected status %d got %d", tc.wantStatus, recorder.Code)
			}
			if rpcErr == nil || rpcErr.Code != tc.wantCode {
				t.Fatalf("expected code %d got %+v", tc.wantCode, rpcErr)
			}
		})
	}

	env.mustCall(addrPtr(testBuyer), "escrow_buyItem", map[string]interface{}{"id": 1, "amount": "100"}, nil)
	followUps := []struct {
		name     string
		caller   [20]byte
		method   string
		params   map[string]interface{}
		wantCode int
	}{
		{"stranger_confirm", testOther, "escrow_confirmItem", map[string]interface{}{"id": 1}, codeEscrowForbidden},
		{"empty_reason", testBuyer, "escrow_requestRefund", map[string]interface{}{"id": 1, "reason": ""}, codeEscrowEmptyReason},
		{"second_buy", testOther, "escrow_buyItem", map[string]interface{}{"id": 1, "amount": "100"}, codeEscrowInvalidState},
	}
	for _, tc := range followUps {
		t.Run(tc.name, func(t *testing.T) {
			_, _, rpcErr := env.call(addrPtr(tc.caller), tc.method, tc.params)
			if rpcErr == nil || rpcErr.Code != tc.wantCode {
				t.Fatalf("expected code %d got %+v", tc.wantCode, rpcErr)
			}
		})
	}

	env.mustCall(addrPtr(testBuyer), "escrow_confirmItem", map[string]interface{}{"id": 1}, nil)
	rateCases := []struct {
		rating   int
		wantCode int
	}{
		{0, codeEscrowOutOfRange},
		{6, codeEscrowOutOfRange},
	}
	for _, tc := range rateCases {
		_, _, rpcErr := env.call(addrPtr(testBuyer), "escrow_rateTransaction", map[string]interface{}{"id": 1, "rating": tc.rating})
		if rpcErr == nil || rpcErr.Code != tc.wantCode {
			t.Fatalf("rating %d: expected code %d got %+v", tc.rating, tc.wantCode, rpcErr)
		}
	}
	env.mustCall(addrPtr(testBuyer), "escrow_rateTransaction", map[string]interface{}{"id": 1, "rating": 4}, nil)
	_, _, rpcErr := env.call(addrPtr(testBuyer), "escrow_rateTransaction", map[string]interface{}{"id": 1, "rating": 5})
	if rpcErr == nil || rpcErr.Code != codeEscrowAlreadyRated {
		t.Fatalf("expected already rated, got %+v", rpcErr)
	}
}

func TestEscrowBuyWithoutFundsReportsTransferFailure(t *testing.T) {
	env := newTestEnv(t)
	registerLamp(t, env, "5000")
	recorder, _, rpcErr := env.call(addrPtr(testBuyer), "escrow_buyItem", map[string]interface{}{"id": 1, "amount": "5000"})
	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 got %d", recorder.Code)
	}
	if rpcErr == nil || rpcErr.Code != codeEscrowTransferFailed {
		t.Fatalf("expected transfer failure, got %+v", rpcErr)
	}
	var item itemJSON
	env.mustCall(nil, "escrow_getItem", map[string]interface{}{"id": 1}, &item)
	if item.Status != escrow.StatusOnSale.String() || item.Buyer != "" {
		t.Fatalf("failed purchase must leave item on sale, got %+v", item)
	}
}

func TestEventsUnavailableWithoutJournal(t *testing.T) {
	env := newTestEnv(t)
	env.server.journal = nil
	recorder, _, rpcErr := env.call(nil, "escrow_events", nil)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", recorder.Code)
	}
	if rpcErr == nil || rpcErr.Code != codeUnavailable {
		t.Fatalf("expected unavailable, got %+v", rpcErr)
	}
}
