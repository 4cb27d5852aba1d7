//go:build property
// +build property

package credit

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestLedgerInvariantsHoldAcrossRandomOpSequences is the credit-ledger half
// of spec.md §8's testable properties: "balance never negative,
// reserved <= balance" must hold after any sequence of
// deposit/reserve/release/spend calls, not just the hand-picked scenarios
// in memory_ledger_test.go.
func TestLedgerInvariantsHoldAcrossRandomOpSequences(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("ledger account invariants survive any op sequence", prop.ForAll(
		func(kinds []int, amounts []int64) bool {
			ctx := context.Background()
			l := NewMemoryLedger()
			if _, err := l.CreateAccount(ctx, "did:key:zProp", 1_000_000); err != nil {
				return false
			}

			reserved := int64(0)
			n := len(kinds)
			if len(amounts) < n {
				n = len(amounts)
			}
			for i := 0; i < n; i++ {
				kind := kinds[i] % 4
				amount := amounts[i]%10_000 + 1

				switch kind {
				case 0:
					_, _ = l.Deposit(ctx, "did:key:zProp", amount, refFor("dep", i))
				case 1:
					if _, err := l.Reserve(ctx, "did:key:zProp", amount, refFor("res", i)); err == nil {
						reserved += amount
					}
				case 2:
					if reserved > 0 {
						rel := reserved
						if amount < rel {
							rel = amount
						}
						if _, err := l.Release(ctx, "did:key:zProp", rel, rel, refFor("rel", i)); err == nil {
							reserved -= rel
						}
					}
				default:
					_, _ = l.Spend(ctx, "did:key:zProp", amount, nil, refFor("spd", i))
				}

				acct, err := l.GetAccount(ctx, "did:key:zProp")
				if err != nil {
					return false
				}
				if acct.Balance < 0 || acct.Reserved < 0 || acct.Balance < acct.Reserved {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(40, gen.IntRange(0, 3)),
		gen.SliceOfN(40, gen.Int64Range(1, 10_000)),
	))

	properties.TestingRun(t)
}

func refFor(prefix string, i int) string {
	return prefix + "-" + string(rune('a'+i%26)) + string(rune('0'+(i/26)%10))
}
