// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package feecalc implements FeeCalculator + SustainableGas: reputation-
// discounted gas pricing, the daily free-gas allowance, price guarantees,
// and gas subsidies.
package feecalc

import (
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/cascoin/cvmnode/internal/cvmamount"
)

var log = slog.Disabled

// UseLogger sets the logging backend used by the package.
func UseLogger(logger slog.Logger) { log = logger }

// SatoshisPerGasFactor is the hardcoded wei-per-satoshi conversion factor
// named in §4.9; whether this should become a governance parameter is an
// open question (see DESIGN.md). A node-level override is exposed via
// Calculator.SetSatoshisPerGasFactor for operators who need to diverge
// from the spec default without a code change.
const SatoshisPerGasFactor = 1e10

// TxKind distinguishes the transaction families FeeCalculator recognizes.
type TxKind int

// The kinds a tx can be for fee-calculation purposes.
const (
	TxKindOther TxKind = iota
	TxKindCVM
)

// Tx is the minimal view FeeCalculator needs of a transaction.
type Tx struct {
	Kind     TxKind
	Sender   cvmamount.Addr
	GasLimit uint64
}

// FeeResult is the full pricing decision for one transaction.
type FeeResult struct {
	GasLimit           uint64
	GasPrice           uint64 // satoshis-per-gas-unit numerator, pre conversion
	BaseFee            cvmamount.Amount
	ReputationDiscount cvmamount.Amount
	GasSubsidy         cvmamount.Amount
	EffectiveFee       cvmamount.Amount
	IsFreeGas          bool
	HasPriceGuarantee  bool
}

// discountTier maps a reputation threshold to a fee multiplier; see
// discountFor.
type discountTier struct {
	minRep     int16
	multiplier float64
}

// 6-tier reputation discount table, from §4.9: 0.5x at >=90 down to 1.0x
// below 50.
var discountTiers = []discountTier{
	{90, 0.5},
	{80, 0.6},
	{70, 0.7},
	{60, 0.8},
	{50, 0.9},
	{0, 1.0},
}

func discountMultiplier(reputation int16) float64 {
	for _, t := range discountTiers {
		if reputation >= t.minRep {
			return t.multiplier
		}
	}
	return 1.0
}

// FreeGasThreshold is the minimum reputation eligible for the daily
// free-gas allowance.
const FreeGasThreshold = 80

// ReputationLookup resolves a sender's current reputation.
type ReputationLookup func(addr cvmamount.Addr) int16

// PriceGuarantee is an active fixed gas price for an address, expiring at
// a given time.
type PriceGuarantee struct {
	GasPrice uint64
	Expiry   cvmamount.Timestamp
}

// Calculator is the node's fee pricing engine.
type Calculator struct {
	mu sync.Mutex

	basePrice        uint64
	satoshisPerGas   float64
	reputation       ReputationLookup
	guarantees       map[cvmamount.Addr]PriceGuarantee
	dailyFreeGasUsed map[cvmamount.Addr]uint64
	dailyFreeGasCap  uint64
	freeGasDay       int64

	// networkLoad in [0,100], derived externally from mempool pressure
	// and refreshed by the supervisor; read-only to this package.
	networkLoad float64
}

// New constructs a Calculator with the given base gas price (satoshis
// per gas unit at zero network load) and daily free-gas cap per address.
func New(basePrice uint64, dailyFreeGasCap uint64, reputation ReputationLookup) *Calculator {
	return &Calculator{
		basePrice:        basePrice,
		satoshisPerGas:   SatoshisPerGasFactor,
		reputation:       reputation,
		guarantees:       make(map[cvmamount.Addr]PriceGuarantee),
		dailyFreeGasUsed: make(map[cvmamount.Addr]uint64),
		dailyFreeGasCap:  dailyFreeGasCap,
	}
}

// SetSatoshisPerGasFactor overrides the default wei-per-satoshi factor.
func (c *Calculator) SetSatoshisPerGasFactor(factor float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.satoshisPerGas = factor
}

// SetNetworkLoad updates the current network-load estimate in [0,100].
func (c *Calculator) SetNetworkLoad(load float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.networkLoad = load
}

// GrantPriceGuarantee installs a fixed gas price for addr until expiry.
func (c *Calculator) GrantPriceGuarantee(addr cvmamount.Addr, price uint64, expiry cvmamount.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guarantees[addr] = PriceGuarantee{GasPrice: price, Expiry: expiry}
}

// predictablePrice derives the gas price from reputation and network
// load: higher reputation and lower load both push the price toward the
// base price, never below it.
func (c *Calculator) predictablePrice(reputation int16, now cvmamount.Timestamp) uint64 {
	loadMultiplier := 1.0 + c.networkLoad/100.0
	price := float64(c.basePrice) * loadMultiplier
	if reputation >= FreeGasThreshold {
		price *= 0.9
	}
	if price < float64(c.basePrice) {
		price = float64(c.basePrice)
	}
	return uint64(price)
}

// secondsPerDay is the free-gas allowance reset window.
const secondsPerDay = int64(24 * time.Hour / time.Second)

func dayOf(now cvmamount.Timestamp) int64 {
	return int64(now) / secondsPerDay
}

// SatoshisToGas converts a gas*price product to satoshis, never
// returning less than 1 satoshi for a nonzero product.
func (c *Calculator) SatoshisToGas(gas, gasPrice uint64) cvmamount.Amount {
	product := float64(gas) * float64(gasPrice)
	if product == 0 {
		return 0
	}
	sat := product / c.satoshisPerGas
	if sat < 1 {
		return 1
	}
	return cvmamount.Amount(sat)
}

// CalculateFee runs the full §4.9 pricing pipeline for tx at the given
// time and block height.
func (c *Calculator) CalculateFee(tx Tx, now cvmamount.Timestamp, height cvmamount.Height) FeeResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	rep := c.reputation(tx.Sender)
	result := FeeResult{GasLimit: tx.GasLimit}

	if rep >= FreeGasThreshold {
		day := dayOf(now)
		if day != c.freeGasDay {
			c.freeGasDay = day
			c.dailyFreeGasUsed = make(map[cvmamount.Addr]uint64)
		}
		used := c.dailyFreeGasUsed[tx.Sender]
		if used+tx.GasLimit <= c.dailyFreeGasCap {
			c.dailyFreeGasUsed[tx.Sender] = used + tx.GasLimit
			result.IsFreeGas = true
			result.GasPrice = 0
			result.EffectiveFee = 0
			return result
		}
	}

	var gasPrice uint64
	if g, ok := c.guarantees[tx.Sender]; ok && now < g.Expiry {
		gasPrice = g.GasPrice
		result.HasPriceGuarantee = true
	} else {
		gasPrice = c.predictablePrice(rep, now)
	}
	result.GasPrice = gasPrice

	baseFee := c.SatoshisToGas(tx.GasLimit, gasPrice)
	result.BaseFee = baseFee

	multiplier := discountMultiplier(rep)
	discount := cvmamount.Amount(float64(baseFee) * (1 - multiplier))
	result.ReputationDiscount = discount

	effective := baseFee - discount - result.GasSubsidy
	if effective < 0 {
		effective = 0
	}
	result.EffectiveFee = effective
	return result
}

// NetworkLoadFromPriceRatio derives the [0,100] network-load figure from
// the ratio of the current predictable price to the base price.
func NetworkLoadFromPriceRatio(currentPrice, basePrice uint64) float64 {
	if basePrice == 0 {
		return 0
	}
	ratio := float64(currentPrice) / float64(basePrice)
	load := (ratio - 1.0) * 100.0
	if load < 0 {
		load = 0
	}
	if load > 100 {
		load = 100
	}
	return load
}
