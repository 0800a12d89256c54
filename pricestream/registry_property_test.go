package pricestream

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// countingSender only counts transitions, it never fails.
type countingSender struct {
	subscribes   int
	unsubscribes int
}

func (s *countingSender) requestSubChange(subscribe bool, symbols []string) error {
	if subscribe {
		s.subscribes += len(symbols)
	} else {
		s.unsubscribes += len(symbols)
	}
	return nil
}

func TestRegistryRefCountProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	symbolGen := gen.OneConstOf("RELIANCE", "TCS", "INFY", "HDFC", "SBIN")

	properties.Property("refcount equals number of unreleased leases", prop.ForAll(
		func(symbolLists [][]string, releaseMask []bool) bool {
			sender := &countingSender{}
			reg := newRegistry(sender, DefaultLogger())

			leases := make([]*Lease, 0, len(symbolLists))
			for _, symbols := range symbolLists {
				lease, err := reg.Subscribe(symbols, "prop")
				if err != nil {
					return false
				}
				leases = append(leases, lease)
			}
			for i, lease := range leases {
				if i < len(releaseMask) && releaseMask[i] {
					if err := lease.Release(); err != nil {
						return false
					}
					leases[i] = nil
				}
			}

			// expected counts from the unreleased leases
			want := map[string]int{}
			for _, lease := range leases {
				if lease == nil {
					continue
				}
				for _, s := range lease.Symbols() {
					want[s]++
				}
			}

			for _, s := range []string{"RELIANCE", "TCS", "INFY", "HDFC", "SBIN"} {
				if reg.Count(s) != want[s] {
					return false
				}
			}
			if reg.Len() != len(want) {
				return false
			}
			// every wire subscribe is eventually balanced by holders or an unsubscribe
			return sender.subscribes == len(want)+sender.unsubscribes
		},
		gen.SliceOf(gen.SliceOf(symbolGen)),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
