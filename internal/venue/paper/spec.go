package paper

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Configure lists markets and funds the wallet from config strings.
//
// venues is "name:token:apy:tvl:utilization" entries separated by commas;
// wallet is "token:amount" entries. One Venue is returned per distinct name.
func Configure(ledger *Ledger, venues, wallet string) ([]*Venue, error) {
	names := make(map[string]struct{})
	for _, entry := range splitEntries(venues) {
		parts := strings.Split(entry, ":")
		if len(parts) != 5 {
			return nil, fmt.Errorf("invalid paper venue %q: want name:token:apy:tvl:utilization", entry)
		}
		nums := make([]decimal.Decimal, 3)
		for i, raw := range parts[2:] {
			d, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q in paper venue %q: %w", raw, entry, err)
			}
			nums[i] = d
		}
		ledger.SetMarket(parts[0], parts[1], Market{APY: nums[0], TVL: nums[1], Utilization: nums[2]})
		names[parts[0]] = struct{}{}
	}

	for _, entry := range splitEntries(wallet) {
		token, raw, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("invalid paper wallet entry %q: want token:amount", entry)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid wallet amount %q: %w", raw, err)
		}
		ledger.Fund(token, amount)
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	out := make([]*Venue, 0, len(sorted))
	for _, name := range sorted {
		out = append(out, NewVenue(name, ledger))
	}
	return out, nil
}

func splitEntries(s string) []string {
	var out []string
	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}
