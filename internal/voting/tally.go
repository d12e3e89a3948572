package voting

// Ballot is the part of a stored vote the tally reads.
type Ballot struct {
	Type   VoteType
	Weight int
}

// Tally is derived from the votes on every read and never cached.
type Tally struct {
	ApproveWeight int64   `json:"approveWeight"`
	RejectWeight  int64   `json:"rejectWeight"`
	Total         int64   `json:"total"`
	ApprovalRatio float64 `json:"approvalRatio"`
	Votes         int     `json:"votes"`
}

func Count(ballots []Ballot) Tally {
	var tally Tally
	for _, ballot := range ballots {
		if ballot.Weight <= 0 {
			continue
		}
		switch ballot.Type {
		case VoteApprove:
			tally.ApproveWeight += int64(ballot.Weight)
		case VoteReject:
			tally.RejectWeight += int64(ballot.Weight)
		default:
			continue
		}
		tally.Votes++
	}
	tally.Total = tally.ApproveWeight + tally.RejectWeight
	if tally.Total > 0 {
		tally.ApprovalRatio = float64(tally.ApproveWeight) / float64(tally.Total)
	}
	return tally
}

// Majority reports a strict weighted majority of approvals. Integer
// arithmetic keeps an exact 50/50 split from rounding either way.
func (t Tally) Majority() bool {
	return t.Total > 0 && t.ApproveWeight*2 > t.Total
}
