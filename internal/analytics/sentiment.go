// Package analytics holds the pure enrichment kernels: put-call ratios,
// ATM straddle, max pain, OI buildup, streaming OHLC windows and IV surface
// assembly. Every function here is deterministic and side-effect free.
package analytics

import (
	"time"

	"github.com/deltastream/deltastream/internal/models"
)

// PCRResult carries both ratio flavors. Undefined is set when total call open
// interest is zero, in which case the OI ratio is reported as 0. A zero call
// volume only zeroes the volume ratio; it does not flag the chain.
type PCRResult struct {
	OI        float64
	Volume    float64
	Undefined bool
}

// PCR computes the put-call ratio over open interest and volume,
// rounded to 4 decimals.
func PCR(chain *models.OptionChain) PCRResult {
	var callOI, putOI, callVol, putVol int64
	for i := range chain.Calls {
		callOI += chain.Calls[i].OpenInterest
		callVol += chain.Calls[i].Volume
	}
	for i := range chain.Puts {
		putOI += chain.Puts[i].OpenInterest
		putVol += chain.Puts[i].Volume
	}

	var res PCRResult
	if callOI == 0 {
		res.Undefined = true
	}
	if callOI > 0 {
		res.OI = Round4(float64(putOI) / float64(callOI))
	}
	if callVol > 0 {
		res.Volume = Round4(float64(putVol) / float64(callVol))
	}
	return res
}

// ATMStrike returns the strike nearest to spot. Ties go to the lower strike;
// the ascending scan with a strict improvement test guarantees that.
func ATMStrike(strikes []int64, spot float64) int64 {
	best := strikes[0]
	bestDist := abs(float64(strikes[0]) - spot)
	for _, k := range strikes[1:] {
		if d := abs(float64(k) - spot); d < bestDist {
			best, bestDist = k, d
		}
	}
	return best
}

// ATMStraddle returns the ATM strike and the combined last price of its call
// and put legs, rounded to 2 decimals.
func ATMStraddle(chain *models.OptionChain) (strike int64, price float64) {
	strike = ATMStrike(chain.Strikes, chain.SpotPrice)
	for i, k := range chain.Strikes {
		if k == strike {
			price = Round2(chain.Calls[i].Last + chain.Puts[i].Last)
			break
		}
	}
	return strike, price
}

// MaxPain returns the expiry price at which aggregate option-holder payout is
// minimized. Ties break toward the strike closest to spot, then the lower
// strike. The direct O(n²) form is used; a prefix-sum O(n) rewrite exists if
// chains ever grow past a few hundred strikes.
func MaxPain(chain *models.OptionChain) int64 {
	best := chain.Strikes[0]
	bestPain := painAt(chain, best)
	for _, k := range chain.Strikes[1:] {
		p := painAt(chain, k)
		switch {
		case p < bestPain:
			best, bestPain = k, p
		case p == bestPain:
			dk := abs(float64(k) - chain.SpotPrice)
			db := abs(float64(best) - chain.SpotPrice)
			if dk < db || (dk == db && k < best) {
				best = k
			}
		}
	}
	return best
}

func painAt(chain *models.OptionChain, settle int64) float64 {
	var pain float64
	for i := range chain.Calls {
		if d := settle - chain.Calls[i].Strike; d > 0 {
			pain += float64(chain.Calls[i].OpenInterest) * float64(d)
		}
	}
	for i := range chain.Puts {
		if d := chain.Puts[i].Strike - settle; d > 0 {
			pain += float64(chain.Puts[i].OpenInterest) * float64(d)
		}
	}
	return pain
}

// Buildup aggregates total and out-of-the-money open interest per side.
type Buildup struct {
	TotalCallOI    int64
	TotalPutOI     int64
	CallBuildupOTM int64 // calls struck above spot
	PutBuildupOTM  int64 // puts struck below spot
}

// OIBuildup sums open interest per side and in the OTM regions.
func OIBuildup(chain *models.OptionChain) Buildup {
	var b Buildup
	for i := range chain.Calls {
		b.TotalCallOI += chain.Calls[i].OpenInterest
		if float64(chain.Calls[i].Strike) > chain.SpotPrice {
			b.CallBuildupOTM += chain.Calls[i].OpenInterest
		}
	}
	for i := range chain.Puts {
		b.TotalPutOI += chain.Puts[i].OpenInterest
		if float64(chain.Puts[i].Strike) < chain.SpotPrice {
			b.PutBuildupOTM += chain.Puts[i].OpenInterest
		}
	}
	return b
}

// Enrich runs every chain-level kernel and assembles the enriched view.
// processedAt is stamped by the caller so that duplicate detection in tests
// stays deterministic.
func Enrich(chain *models.OptionChain, processedAt time.Time) models.EnrichedChain {
	pcr := PCR(chain)
	atm, straddle := ATMStraddle(chain)
	buildup := OIBuildup(chain)
	return models.EnrichedChain{
		OptionChain: *chain,
		Sentiment: models.Sentiment{
			PCROI:            pcr.OI,
			PCRVolume:        pcr.Volume,
			PCRUndefined:     pcr.Undefined,
			ATMStrike:        atm,
			ATMStraddlePrice: straddle,
			MaxPainStrike:    MaxPain(chain),
			TotalCallOI:      buildup.TotalCallOI,
			TotalPutOI:       buildup.TotalPutOI,
			CallBuildupOTM:   buildup.CallBuildupOTM,
			PutBuildupOTM:    buildup.PutBuildupOTM,
		},
		ProcessedAt: processedAt,
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
