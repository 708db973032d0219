package core

// Journal records undo steps for the mutations of a single call.
// Revert replays them in reverse order; Commit discards them.
// A nil *Journal is valid and records nothing.
type Journal struct {
	undo []func()
}

func NewJournal() *Journal {
	return &Journal{}
}

// Record appends an undo step.
func (j *Journal) Record(undo func()) {
	if j == nil || undo == nil {
		return
	}
	j.undo = append(j.undo, undo)
}

// Revert undoes every recorded mutation, newest first, and empties the journal.
func (j *Journal) Revert() {
	if j == nil {
		return
	}
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.undo = j.undo[:0]
}

// Absorb moves other's undo steps onto the end of j.
// With a nil j the steps are dropped, which commits them.
func (j *Journal) Absorb(other *Journal) {
	if other == nil {
		return
	}
	if j != nil {
		j.undo = append(j.undo, other.undo...)
	}
	other.undo = nil
}

// Commit forgets the recorded steps.
func (j *Journal) Commit() {
	if j == nil {
		return
	}
	j.undo = j.undo[:0]
}

// Len returns the number of pending undo steps.
func (j *Journal) Len() int {
	if j == nil {
		return 0
	}
	return len(j.undo)
}
