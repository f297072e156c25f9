package trainer

// DefaultDecayStep is the iteration at which the discriminator switches to the reduced learning rate.
const DefaultDecayStep = 100000

// Variant names one of the two discriminator optimizers.
type Variant int

const (
	FullRate Variant = iota
	ReducedRate
)

func (v Variant) String() string {
	switch v {
	case FullRate:
		return "full_rate"
	case ReducedRate:
		return "reduced_rate"
	default:
		return "unknown"
	}
}

// SelectVariant maps an iteration index to the discriminator optimizer that serves it.
// Iterations before boundary use FullRate; boundary and later use ReducedRate.
func SelectVariant(iter, boundary int) Variant {
	if iter < boundary {
		return FullRate
	}
	return ReducedRate
}
