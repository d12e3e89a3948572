// Package voting holds the proposal lifecycle rules: vote tallies, the
// transition function, vote weights and contributor titles. Nothing here
// touches storage.
package voting

import (
	"strings"
	"time"
)

type Field string

const (
	FieldContent      Field = "content"
	FieldWorldSetting Field = "world_setting"
	FieldRules        Field = "rules"
)

// Fields lists every editable entity field of a novel.
var Fields = []Field{FieldContent, FieldWorldSetting, FieldRules}

func ParseField(value string) (Field, bool) {
	field := Field(strings.ToLower(strings.TrimSpace(value)))
	switch field {
	case FieldContent, FieldWorldSetting, FieldRules:
		return field, true
	}
	return "", false
}

// EntityRef addresses one editable text field of a novel.
type EntityRef struct {
	NovelID string `json:"novelId"`
	Field   Field  `json:"field"`
}

func (r EntityRef) String() string {
	return r.NovelID + "/" + string(r.Field)
}

type Status string

const (
	StatusPending     Status = "pending"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusExpired     Status = "expired"
	StatusNeedsReview Status = "needs_review"
)

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusExpired:
		return true
	}
	return false
}

type VoteType string

const (
	VoteApprove VoteType = "approve"
	VoteReject  VoteType = "reject"
)

func ParseVoteType(value string) (VoteType, bool) {
	voteType := VoteType(strings.ToLower(strings.TrimSpace(value)))
	switch voteType {
	case VoteApprove, VoteReject:
		return voteType, true
	}
	return "", false
}

// DefaultVotingWindow is how long a proposal accepts votes.
const DefaultVotingWindow = 24 * time.Hour
