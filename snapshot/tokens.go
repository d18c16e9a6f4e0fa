package snapshot

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter reports how many tokens a string costs against the budget.
type TokenCounter func(s string) int

// HeuristicCounter approximates tokens as bytes/4, the usual rule of thumb
// for English-heavy JSON. Used directly in tests and as the fallback when
// the tiktoken encoding is unavailable.
func HeuristicCounter(s string) int {
	return (len(s) + 3) / 4
}

var (
	tikOnce sync.Once
	tikEnc  *tiktoken.Tiktoken
)

// TiktokenCounter counts cl100k_base tokens. Encoding initialisation can
// fail (it may fetch the BPE ranks on first use); the counter then
// degrades to HeuristicCounter rather than erroring mid-snapshot.
func TiktokenCounter(s string) int {
	tikOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			tikEnc = enc
		}
	})
	if tikEnc == nil {
		return HeuristicCounter(s)
	}
	return len(tikEnc.Encode(s, nil, nil))
}
