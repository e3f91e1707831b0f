package gateway

// Counters is the {findCount, txCount} pair that Session.statistics
// carries three of: total, current, mins5 (spec.md §3).
type Counters struct {
	FindCount int64
	TxCount   int64
}

// Statistics is Session's {total, current, mins5} rolling-window block.
type Statistics struct {
	Total   Counters
	Current Counters
	Mins5   Counters
}

// roll applies the spec's weighted-blend rule (§4.B): mins5 := 0.8*mins5
// + 0.2*current; current := 0. Total is untouched — request completion
// increments it, and only the admin wipe-statistics operation resets it.
func (s *Statistics) roll() {
	s.Mins5.FindCount = int64(0.8*float64(s.Mins5.FindCount) + 0.2*float64(s.Current.FindCount))
	s.Mins5.TxCount = int64(0.8*float64(s.Mins5.TxCount) + 0.2*float64(s.Current.TxCount))
	s.Current = Counters{}
}
