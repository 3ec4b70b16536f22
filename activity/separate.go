// ABOUTME: Setup-parameter separation: keys with an identical value in every file of an activity
// ABOUTME: become setup parameters; everything else stays attached to the individual files.
package activity

import "reflect"

// Separate partitions the metadata of one activity's datasets.
//
// A key present with a deeply equal value in every dataset moves to setup and
// is removed from every residual. Any other key stays in the residual of each
// dataset that has it. Keys keep first-seen order. A setup key is flagged
// unreliable if any dataset flagged it; residual flags are kept unchanged.
// The inputs are not modified.
func Separate(datasets []*Metadata) (setup *Metadata, residuals []*Metadata) {
	setup = NewMetadata()
	residuals = make([]*Metadata, len(datasets))
	if len(datasets) == 0 {
		return setup, residuals
	}

	common := make(map[string]bool)
	for _, key := range firstSeenKeys(datasets) {
		first, ok := datasets[0].Get(key)
		if !ok {
			continue
		}
		shared := true
		unreliable := false
		for _, md := range datasets {
			v, ok := md.Get(key)
			if !ok || !reflect.DeepEqual(v, first) {
				shared = false
				break
			}
			unreliable = unreliable || md.Unreliable(key)
		}
		if !shared {
			continue
		}
		common[key] = true
		setup.Set(key, first)
		if unreliable {
			setup.MarkUnreliable(key)
		}
	}

	for i, md := range datasets {
		res := NewMetadata()
		md.Range(func(key string, v any) bool {
			if !common[key] {
				res.Set(key, v)
				if md.Unreliable(key) {
					res.MarkUnreliable(key)
				}
			}
			return true
		})
		residuals[i] = res
	}
	return setup, residuals
}

// Recombine rebuilds full per-dataset metadata from a separation result:
// setup keys first, then each residual's keys.
func Recombine(setup *Metadata, residuals []*Metadata) []*Metadata {
	out := make([]*Metadata, len(residuals))
	for i, res := range residuals {
		md := setup.Clone()
		res.Range(func(key string, v any) bool {
			md.Set(key, v)
			if res.Unreliable(key) {
				md.MarkUnreliable(key)
			}
			return true
		})
		out[i] = md
	}
	return out
}

func firstSeenKeys(datasets []*Metadata) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, md := range datasets {
		for _, k := range md.Keys() {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	return keys
}
