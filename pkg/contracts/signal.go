package contracts

// Signal is anything a waiting routine can observe: accepted commands and
// published events.
type Signal interface {
	SignalType() string
	Correlation() string
}

// SignalPattern selects signals.
type SignalPattern func(Signal) bool

// OnType matches signals carrying any of the given tags.
func OnType(tags ...string) SignalPattern {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	return func(s Signal) bool {
		_, ok := set[s.SignalType()]
		return ok
	}
}

// OnCorrelation matches any signal with the given correlation id.
func OnCorrelation(id string) SignalPattern {
	return func(s Signal) bool { return s.Correlation() == id }
}

// CancellationOf matches the lane-cancel command that targets correlationID.
func CancellationOf(correlationID string) SignalPattern {
	return func(s Signal) bool {
		cmd, ok := s.(Command)
		if !ok || cmd.Type != CommandLaneCancel {
			return false
		}
		var p CancelPayload
		if err := cmd.Decode(&p); err != nil {
			return false
		}
		return p.CorrelationID == correlationID
	}
}

// AnyOf matches when at least one pattern matches.
func AnyOf(patterns ...SignalPattern) SignalPattern {
	return func(s Signal) bool {
		for _, p := range patterns {
			if p(s) {
				return true
			}
		}
		return false
	}
}
