package runstate

// rollup computes a run's aggregate status as a pure function of its
// nodes' statuses: any failed → failed; all succeeded → succeeded; all
// terminal with at least one cancelled and none failed → cancelled;
// otherwise running if anything is non-terminal, else queued.
func (e *Engine) rollup(run *RunRecord) Status {
	if run.Status == StatusCancelled {
		return StatusCancelled
	}

	total := 0
	terminal := 0
	anyFailed := false
	anyCancelled := false
	anyNonTerminal := false

	for _, ns := range run.Nodes {
		total++
		if ns.Status.IsTerminal() {
			terminal++
			if ns.Status == StatusFailed {
				anyFailed = true
			}
			if ns.Status == StatusCancelled {
				anyCancelled = true
			}
		} else {
			anyNonTerminal = true
		}
	}

	if total == 0 {
		return StatusSucceeded
	}
	if anyFailed {
		return StatusFailed
	}
	if terminal == total {
		if anyCancelled {
			return StatusCancelled
		}
		return StatusSucceeded
	}
	if anyNonTerminal {
		return StatusRunning
	}
	return StatusQueued
}
