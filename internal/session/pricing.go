// Package session implements SessionToken issuance/consumption, WebSocket
// session bootstrap, and the bidirectional budgeted pump between a client
// and a routed worker node (or a local echo fallback).
package session

import (
	"fmt"
	"time"

	"github.com/ethdenver2026/consensus-gateway/internal/domain"
)

const (
	priceTimePerMinute = 0.001
	priceDataPerMB     = 0.00012
	hybridTimePrice    = 0.0005
	hybridDataPrice    = 0.0001

	minuteSeconds = 60
	mb            = 1 << 20
	gb            = 1 << 30

	maxMinutes    = 1440
	maxMegabytes  = 10240
	maxTimeBytes  = 500 * mb
	maxHybridData = 10 * gb
)

// CalculateCost returns the USDC price (atomic units, assuming 6-decimal
// USDC so 1_000_000 == $1) for a session of the given model/minutes/megabytes.
func CalculateCost(model domain.SessionModel, minutes, megabytes float64) (int64, error) {
	var usd float64
	switch model {
	case domain.ModelTime:
		usd = minutes * priceTimePerMinute
	case domain.ModelData:
		usd = megabytes * priceDataPerMB
	case domain.ModelHybrid:
		usd = minutes*hybridTimePrice + megabytes*hybridDataPrice
	default:
		return 0, fmt.Errorf("unknown session model %q", model)
	}
	return int64(usd * 1_000_000), nil
}

// DeriveLimits computes {time_limit, data_limit} for model/minutes/megabytes
// per the presets in the pricing table.
func DeriveLimits(model domain.SessionModel, minutes, megabytes float64) (domain.SessionLimits, error) {
	switch model {
	case domain.ModelTime:
		m := minOf(minutes, maxMinutes)
		timeLimitSeconds := m * minuteSeconds
		// Derived data cap is proportional to the premium this model's
		// per-minute price carries over hybrid's time price.
		premium := priceTimePerMinute / hybridTimePrice
		dataLimit := int64(minOf(timeLimitSeconds*premium*1024, maxTimeBytes))
		return domain.SessionLimits{
			TimeLimit: secondsToDuration(timeLimitSeconds),
			DataLimit: dataLimit,
		}, nil

	case domain.ModelData:
		megs := minOf(megabytes, maxMegabytes)
		return domain.SessionLimits{
			TimeLimit: secondsToDuration(24 * 60 * 60),
			DataLimit: int64(megs * mb),
		}, nil

	case domain.ModelHybrid:
		m := minOf(minutes, maxMinutes)
		dataLimit := int64(minOf(megabytes*mb, maxHybridData))
		return domain.SessionLimits{
			TimeLimit: secondsToDuration(m * minuteSeconds),
			DataLimit: dataLimit,
		}, nil

	default:
		return domain.SessionLimits{}, fmt.Errorf("unknown session model %q", model)
	}
}

func minOf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
