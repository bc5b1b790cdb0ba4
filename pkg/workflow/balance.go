// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"context"
	"sync"

	"github.com/itempass/workflowengine/pkg/errors"
)

// BalanceLookup resolves a user's current balance and whether that user is
// subject to balance enforcement at all (e.g. only Auth0-origin accounts are).
// Enforcement eligibility is resolved fresh on every call, never cached,
// since a user's enforcement tier can change between steps of a long-running
// agent loop.
type BalanceLookup interface {
	IsEnforced(ctx context.Context, userID string) (bool, error)
	GetBalanceUSD(ctx context.Context, userID string) (float64, error)
	DeductUSD(ctx context.Context, userID string, amountUSD float64) error
}

// BalanceGate is the shared utility the LLM and agent step runners use to
// pre-check a user's balance before spending money on a provider call, and to
// atomically deduct the cost once the call completes.
type BalanceGate struct {
	lookup BalanceLookup

	mu       sync.Mutex
	balances map[string]float64 // userID -> USD, used when lookup has no independent ledger
}

// NewBalanceGate creates a gate backed by the given lookup. If lookup is nil,
// the gate tracks balances purely in memory (useful for tests) and treats
// every user as enforced.
func NewBalanceGate(lookup BalanceLookup) *BalanceGate {
	return &BalanceGate{lookup: lookup, balances: make(map[string]float64)}
}

// SetBalance seeds or overwrites a user's in-memory balance. Only meaningful
// when the gate has no external BalanceLookup.
func (g *BalanceGate) SetBalance(userID string, usd float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[userID] = usd
}

// CheckUserBalance rejects with InsufficientBalanceError if userID is subject
// to balance enforcement and its balance is at or below zero. Non-enforced
// users always pass.
func (g *BalanceGate) CheckUserBalance(ctx context.Context, userID string) error {
	enforced, balance, err := g.resolve(ctx, userID)
	if err != nil {
		return err
	}
	if !enforced {
		return nil
	}
	if balance <= 0 {
		return &errors.InsufficientBalanceError{UserID: userID, RequiredUSD: 0, AvailableUSD: balance}
	}
	return nil
}

// DeductFromBalance atomically subtracts amountUSD from userID's balance.
// It is a no-op for non-enforced users and never deducts when amountUSD is
// zero or negative (a step that produced no billable cost deducts nothing).
func (g *BalanceGate) DeductFromBalance(ctx context.Context, userID string, amountUSD float64) error {
	if amountUSD <= 0 {
		return nil
	}
	enforced, _, err := g.resolve(ctx, userID)
	if err != nil {
		return err
	}
	if !enforced {
		return nil
	}

	if g.lookup != nil {
		return g.lookup.DeductUSD(ctx, userID, amountUSD)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[userID] -= amountUSD
	return nil
}

func (g *BalanceGate) resolve(ctx context.Context, userID string) (enforced bool, balance float64, err error) {
	if g.lookup != nil {
		enforced, err = g.lookup.IsEnforced(ctx, userID)
		if err != nil {
			return false, 0, err
		}
		balance, err = g.lookup.GetBalanceUSD(ctx, userID)
		if err != nil {
			return false, 0, err
		}
		return enforced, balance, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return true, g.balances[userID], nil
}
