package services

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// LogProgress is the structured view of the provider's free-text training
// logs. StepsPerSecond is normalized to steps/sec even when the trainer
// reports sec/step.
type LogProgress struct {
	Stage            string  `json:"stage"`
	Percent          int     `json:"percent"`
	CurrentStep      int     `json:"current_step,omitempty"`
	TotalSteps       int     `json:"total_steps,omitempty"`
	StepsPerSecond   float64 `json:"steps_per_second,omitempty"`
	StageDescription string  `json:"stage_description"`
}

// LogProgressParser extracts training progress from provider log text.
// Returns nil when nothing in the text matches; callers fall back to coarse
// status-band progress. Kept behind an interface so a provider with a
// different log shape only needs a new parser, not a new reconciler.
type LogProgressParser interface {
	Parse(logText string) *LogProgress
}

// The flux trainer emits tqdm-style lines:
//
//	flux_train_replicate:  40%|████      | 400/1000 [02:30<03:45, 2.67it/s]
//	flux_train_replicate:  40% | 400/1000 [02:30<03:45, 2.67it/s]
//
// The bar between pipes must be consumed before the step counts or the first
// pipe glyph ends the match at the percent. Step counts and the rate suffix
// are both optional in practice.
var trainLineRe = regexp.MustCompile(`([A-Za-z0-9_\-]+):\s*(\d{1,3})%\s*(?:\|[^|\n]*\|\s*|\|\s*)?(?:(\d+)/(\d+))?\s*(?:\[[^\]\n]*?(?:(\d+(?:\.\d+)?)\s*(it/s|s/it))?\])?`)

type replicateLogParser struct{}

func NewReplicateLogParser() LogProgressParser {
	return &replicateLogParser{}
}

func (p *replicateLogParser) Parse(logText string) *LogProgress {
	if strings.TrimSpace(logText) == "" {
		return nil
	}
	matches := trainLineRe.FindAllStringSubmatch(logText, -1)
	if len(matches) == 0 {
		return nil
	}
	// The last matching line reflects the newest progress.
	m := matches[len(matches)-1]

	pct, err := strconv.Atoi(m[2])
	if err != nil {
		return nil
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	lp := &LogProgress{
		Stage:   m[1],
		Percent: pct,
	}
	if m[3] != "" && m[4] != "" {
		cur, curErr := strconv.Atoi(m[3])
		total, totalErr := strconv.Atoi(m[4])
		if curErr == nil && totalErr == nil && total > 0 && cur <= total {
			lp.CurrentStep = cur
			lp.TotalSteps = total
		}
	}
	if m[5] != "" {
		rate, rateErr := strconv.ParseFloat(m[5], 64)
		if rateErr == nil && rate > 0 {
			if m[6] == "s/it" {
				rate = 1 / rate
			}
			lp.StepsPerSecond = rate
		}
	}

	if lp.TotalSteps > 0 {
		lp.StageDescription = fmt.Sprintf("Training LoRA model (%d/%d steps)", lp.CurrentStep, lp.TotalSteps)
	} else {
		lp.StageDescription = fmt.Sprintf("Training LoRA model (%d%%)", lp.Percent)
	}
	return lp
}

// EstimatedSecondsRemaining is (total-current)/rate; zero when any input is
// missing, which callers treat as "no estimate".
func (lp *LogProgress) EstimatedSecondsRemaining() int {
	if lp == nil || lp.TotalSteps <= 0 || lp.CurrentStep < 0 || lp.StepsPerSecond <= 0 {
		return 0
	}
	remaining := lp.TotalSteps - lp.CurrentStep
	if remaining <= 0 {
		return 0
	}
	return int(float64(remaining)/lp.StepsPerSecond + 0.5)
}
