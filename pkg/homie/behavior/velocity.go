// velocity.go takes a short-window snapshot of chat activity. The pre-draft
// decision uses it to hold back when the room is moving faster than a reply
// could land.
package behavior

import "regexp"

// velocityWindowMs is how far back the snapshot looks.
const velocityWindowMs = 120_000

// Sample is one recent user message as seen by the velocity snapshot.
type Sample struct {
	AuthorID    string
	Text        string
	TimestampMs int64
}

// Velocity summarizes recent chat activity.
type Velocity struct {
	MsgCount      int
	UniqueAuthors int
	AvgGapMs      int64

	// IsBurst: one author firing messages back to back.
	IsBurst bool

	// IsRapidDialogue: several authors in fast exchange.
	IsRapidDialogue bool

	// IsContinuation: the last text trails off, more is coming.
	IsContinuation bool
}

// continuationPattern matches trailing text that signals an unfinished
// thought: conjunctions, commas, ellipses.
var continuationPattern = regexp.MustCompile(`(?i)(\band\b|\balso\b|\bbut\b|\bso\b|,|\.\.\.|…)\s*$`)

// Snapshot computes the velocity over samples inside the window ending at
// nowMs. Samples are expected in arrival order.
func Snapshot(samples []Sample, nowMs int64) Velocity {
	var v Velocity
	cutoff := nowMs - velocityWindowMs

	var (
		inWindow []Sample
		authors  = map[string]struct{}{}
	)
	for _, s := range samples {
		if s.TimestampMs < cutoff {
			continue
		}
		inWindow = append(inWindow, s)
		authors[s.AuthorID] = struct{}{}
	}

	v.MsgCount = len(inWindow)
	v.UniqueAuthors = len(authors)
	if len(inWindow) >= 2 {
		var total int64
		for i := 1; i < len(inWindow); i++ {
			total += inWindow[i].TimestampMs - inWindow[i-1].TimestampMs
		}
		v.AvgGapMs = total / int64(len(inWindow)-1)
	}

	v.IsBurst = v.MsgCount >= 3 && v.AvgGapMs < 20_000
	v.IsRapidDialogue = v.UniqueAuthors >= 2 && v.MsgCount >= 2 && v.AvgGapMs < 15_000
	if len(inWindow) > 0 {
		v.IsContinuation = continuationPattern.MatchString(inWindow[len(inWindow)-1].Text)
	}
	return v
}
