package envelope

// Wire tokens. Matching is literal, case-sensitive, ordinal.
const (
	TokenStart     = "<|start|>"
	TokenMessage   = "<|message|>"
	TokenChannel   = "<|channel|>"
	TokenConstrain = "<|constrain|>"
	TokenEnd       = "<|end|>"
	TokenCall      = "<|call|>"
	TokenReturn    = "<|return|>"
)

// terminators maps terminator tokens to termination values, in the order
// they are searched for within a frame body.
var terminators = []struct {
	token string
	value string
}{
	{TokenEnd, TerminationEnd},
	{TokenCall, TerminationCall},
	{TokenReturn, TerminationReturn},
}
