package model

// AdmissionStatus records whether a booking's attendees have physically
// checked in. It is independent of the booking's capacity.
type AdmissionStatus bool

const (
	NotAdmitted AdmissionStatus = false
	Admitted    AdmissionStatus = true
)

// Toggled returns the opposite status.
func (s AdmissionStatus) Toggled() AdmissionStatus {
	return !s
}

func (s AdmissionStatus) String() string {
	if s {
		return "admitted"
	}
	return "not_admitted"
}
