// ABOUTME: TurnCommit is the unit of work written atomically at the end of a turn
// ABOUTME: Either every row in it is persisted or none is
package models

// TurnCommit groups the state changes produced by one pipeline pass
type TurnCommit struct {
	Conversation *Conversation
	Turns        []*Turn
	FactUpserts  []*MemoryFact
	FactDeletes  []string
	Timers       []*Timer
	TimerUpdates map[string]TimerStatus
}

// Empty reports whether the commit would write nothing
func (c *TurnCommit) Empty() bool {
	return c.Conversation == nil && len(c.Turns) == 0 && len(c.FactUpserts) == 0 &&
		len(c.FactDeletes) == 0 && len(c.Timers) == 0 && len(c.TimerUpdates) == 0
}
