package reconcile

import "sort"

// Plan partitions confirmation codes into the three sync actions. Each
// slice is sorted.
type Plan struct {
	Update []string // in the feed and attributed locally
	Insert []string // in the feed only
	Cancel []string // attributed locally but gone from the feed
}

// Diff computes the plan from the feed's codes and the locally attributed
// codes.
func Diff(feedCodes, localCodes []string) Plan {
	inFeed := make(map[string]bool, len(feedCodes))
	for _, c := range feedCodes {
		inFeed[c] = true
	}
	inLocal := make(map[string]bool, len(localCodes))
	for _, c := range localCodes {
		inLocal[c] = true
	}

	var p Plan
	for c := range inFeed {
		if inLocal[c] {
			p.Update = append(p.Update, c)
		} else {
			p.Insert = append(p.Insert, c)
		}
	}
	for c := range inLocal {
		if !inFeed[c] {
			p.Cancel = append(p.Cancel, c)
		}
	}
	sort.Strings(p.Update)
	sort.Strings(p.Insert)
	sort.Strings(p.Cancel)
	return p
}

// Empty reports whether the plan has nothing to do.
func (p Plan) Empty() bool {
	return len(p.Update) == 0 && len(p.Insert) == 0 && len(p.Cancel) == 0
}
