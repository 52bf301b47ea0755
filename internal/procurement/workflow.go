package procurement

// allowedActions is the per-stage action whitelist. An action absent from the
// current stage's set fails with ForbiddenTransitionError and leaves state
// untouched. Terminal stages admit nothing.
var allowedActions = map[POStage][]Action{
	StageDraft:           {ActionSubmit, ActionUpdate, ActionCancel},
	StagePendingApproval: {ActionApprove, ActionReject, ActionUpdate, ActionCancel},
	StageApprovedL1:      {ActionApprove, ActionReject, ActionCancel},
	StageApprovedFinal:   {ActionApprove, ActionReject, ActionCancel},
	StageOrdered:         {ActionReceive, ActionQCStart, ActionCancel},
	StagePartialReceived: {ActionReceive, ActionQCStart, ActionCancel},
	StageReceived:        {ActionReceive, ActionQCStart, ActionCancel},
	StageQCPending:       {ActionReceive, ActionQCPass, ActionQCFail, ActionCancel},
	StageQCPassed:        {ActionReceive, ActionQCStart, ActionComplete, ActionCancel},
	StageQCFailed:        {ActionReceive, ActionQCStart, ActionReject},
	StageCompleted:       {},
	StageCancelled:       {},
	StageRejected:        {},
}

// ActionAllowed reports whether the stage's allowed-action set contains action.
func ActionAllowed(stage POStage, action Action) bool {
	for _, a := range allowedActions[stage] {
		if a == action {
			return true
		}
	}
	return false
}

// approvalChain is the stage sequence a single APPROVE advances through, one
// stage per call: three approval levels sit before ORDERED.
var approvalChain = map[POStage]POStage{
	StagePendingApproval: StageApprovedL1,
	StageApprovedL1:      StageApprovedFinal,
	StageApprovedFinal:   StageOrdered,
}

// Advance computes the stage an action moves a purchase order to. Pure
// function of (stage, action); stage transitions that depend on receipt
// quantities (RECEIVE) resolve their target separately and pass it through
// the service layer.
func Advance(stage POStage, action Action) (POStage, error) {
	if !ActionAllowed(stage, action) {
		return stage, &ForbiddenTransitionError{Stage: stage, Action: action}
	}
	switch action {
	case ActionSubmit:
		return StagePendingApproval, nil
	case ActionApprove:
		return approvalChain[stage], nil
	case ActionReject:
		return StageRejected, nil
	case ActionCancel:
		return StageCancelled, nil
	case ActionUpdate:
		return stage, nil
	case ActionQCStart:
		return StageQCPending, nil
	case ActionQCPass:
		return StageQCPassed, nil
	case ActionQCFail:
		return StageQCFailed, nil
	case ActionComplete:
		return StageCompleted, nil
	}
	return stage, &ForbiddenTransitionError{Stage: stage, Action: action}
}

// Terminal reports whether no further action can move the stage.
func Terminal(stage POStage) bool {
	return len(allowedActions[stage]) == 0
}

// Replay reconstructs the current stage from the append-only workflow log.
// The log records the stage each entry moved the order to, so the last entry
// wins; an empty log is a draft.
func Replay(entries []WorkflowEntry) POStage {
	if len(entries) == 0 {
		return StageDraft
	}
	return entries[len(entries)-1].Stage
}
