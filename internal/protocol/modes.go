package protocol

// Mode is one of the eight prescribed structural sections an interpreter's
// output is expected to contain, in a fixed order.
type Mode string

const (
	ModeRc                  Mode = "Rc"
	ModeRi                  Mode = "Ri"
	ModeDeclarativeTypology Mode = "Declarative Epistemic Typology"
	ModeRa                  Mode = "Ra"
	ModeFailure             Mode = "Failure"
	ModeNovelty             Mode = "Novelty and Positioning"
	ModeVerdict             Mode = "Verdict"
	ModeMaturity            Mode = "Project Maturity Summary"
)

// PrescribedOrder returns the eight modes in protocol order.
func PrescribedOrder() []Mode {
	return []Mode{
		ModeRc, ModeRi, ModeDeclarativeTypology, ModeRa,
		ModeFailure, ModeNovelty, ModeVerdict, ModeMaturity,
	}
}
