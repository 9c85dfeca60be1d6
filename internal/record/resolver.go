package record

// Reason names the rule that decided a resolution.
type Reason string

const (
	ReasonNoCurrent      Reason = "no-current"
	ReasonNewer          Reason = "newer"
	ReasonOlder          Reason = "older"
	ReasonMeaningfulLoss Reason = "would-erase-content"
	ReasonTieBreak       Reason = "tie-break"
	ReasonSameSource     Reason = "same-source"
	ReasonNoIncoming     Reason = "no-incoming"
)

// Resolver decides whether an incoming value may replace the current one.
//
// The rules, in order:
//  1. no current value: apply
//  2. current is meaningful and incoming is not: reject, whatever the timestamps
//  3. incoming is older: reject
//  4. equal timestamps and a lexically greater incoming source id: reject
//  5. otherwise apply
//
// Resolver is pure. It never mutates its arguments.
type Resolver struct {
	Meaningful MeaningfulFunc
}

// NewResolver returns a resolver using the given predicate, or DayMeaningful
// when fn is nil.
func NewResolver(fn MeaningfulFunc) *Resolver {
	if fn == nil {
		fn = DayMeaningful
	}
	return &Resolver{Meaningful: fn}
}

// ShouldApply reports whether incoming should replace current.
func (r *Resolver) ShouldApply(current, incoming *Record) bool {
	ok, _ := r.Decide(current, incoming)
	return ok
}

// Decide is ShouldApply with the rule that fired.
func (r *Resolver) Decide(current, incoming *Record) (bool, Reason) {
	if incoming == nil {
		return false, ReasonNoIncoming
	}
	if current == nil {
		return true, ReasonNoCurrent
	}

	meaningful := r.Meaningful
	if meaningful == nil {
		meaningful = DayMeaningful
	}
	if meaningful(current.Payload) && !meaningful(incoming.Payload) {
		return false, ReasonMeaningfulLoss
	}

	switch {
	case incoming.UpdatedAt < current.UpdatedAt:
		return false, ReasonOlder
	case incoming.UpdatedAt > current.UpdatedAt:
		return true, ReasonNewer
	}

	if incoming.SourceID > current.SourceID {
		return false, ReasonTieBreak
	}
	if incoming.SourceID == current.SourceID {
		return true, ReasonSameSource
	}
	return true, ReasonTieBreak
}
