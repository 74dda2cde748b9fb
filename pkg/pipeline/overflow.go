package pipeline

import (
	"fmt"
	"strconv"
	"strings"
)

// OverflowKind selects what Enqueue does when the queue is full.
type OverflowKind int

const (
	// OverflowDrop rejects the event without waiting.
	OverflowDrop OverflowKind = iota
	// OverflowBlock waits for room until the caller's context ends or
	// shutdown begins.
	OverflowBlock
	// OverflowSample discards events with probability 1-rate before they
	// touch the queue and treats the rest like OverflowDrop.
	OverflowSample
)

// OverflowPolicy is the queue's overflow behavior. The zero value is Drop.
type OverflowPolicy struct {
	Kind OverflowKind
	Rate float64 // keep probability for OverflowSample
}

// Drop returns the Drop policy.
func Drop() OverflowPolicy { return OverflowPolicy{Kind: OverflowDrop} }

// Block returns the Block policy.
func Block() OverflowPolicy { return OverflowPolicy{Kind: OverflowBlock} }

// Sample returns a Sample policy keeping events with probability rate.
func Sample(rate float64) OverflowPolicy {
	return OverflowPolicy{Kind: OverflowSample, Rate: rate}
}

// Validate checks the sample rate.
func (p OverflowPolicy) Validate() error {
	switch p.Kind {
	case OverflowDrop, OverflowBlock:
		return nil
	case OverflowSample:
		if p.Rate < 0 || p.Rate > 1 {
			return fmt.Errorf("sample rate must be within [0, 1], got %v", p.Rate)
		}
		return nil
	}
	return fmt.Errorf("unknown overflow kind %d", p.Kind)
}

func (p OverflowPolicy) String() string {
	switch p.Kind {
	case OverflowDrop:
		return "drop"
	case OverflowBlock:
		return "block"
	case OverflowSample:
		return "sample:" + strconv.FormatFloat(p.Rate, 'g', -1, 64)
	}
	return "unknown"
}

// ParseOverflowPolicy parses "drop", "block" or "sample:<rate>".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	name, arg, hasArg := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	var p OverflowPolicy
	switch name {
	case "", "drop":
		p = Drop()
	case "block":
		p = Block()
	case "sample":
		if !hasArg {
			return OverflowPolicy{}, fmt.Errorf("sample policy needs a rate, e.g. sample:0.25")
		}
		rate, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return OverflowPolicy{}, fmt.Errorf("invalid sample rate %q: %w", arg, err)
		}
		p = Sample(rate)
		if err := p.Validate(); err != nil {
			return OverflowPolicy{}, err
		}
		return p, nil
	default:
		return OverflowPolicy{}, fmt.Errorf("unknown overflow policy %q", s)
	}
	if hasArg {
		return OverflowPolicy{}, fmt.Errorf("%s policy takes no argument", name)
	}
	return p, nil
}
