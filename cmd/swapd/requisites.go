package main

import (
	"context"
	"fmt"

	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/internal/wallet"
)

// walletRequisites hands out the first address of account 0 on each chain.
type walletRequisites struct {
	w *wallet.Wallet
}

func (r walletRequisites) Requisites(ctx context.Context, sold, purchased string) (swap.Party, error) {
	addr, err := r.w.DeriveAddress(purchased, 0, 0)
	if err != nil {
		return swap.Party{}, fmt.Errorf("%s address: %w", purchased, err)
	}
	refund, err := r.w.DeriveAddress(sold, 0, 0)
	if err != nil {
		return swap.Party{}, fmt.Errorf("%s refund address: %w", sold, err)
	}
	return swap.Party{Address: addr, RefundAddress: refund}, nil
}
