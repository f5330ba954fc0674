package cms

// VerifyState is the one-shot verification memo of a Container. The zero
// value is Unverified; Verified carries the result and is set at most once.
type VerifyState struct {
	done bool
	ok   bool
	err  error
}

// Unverified returns the initial state.
func Unverified() VerifyState {
	return VerifyState{}
}

// Verified returns a settled state with the given outcome.
func Verified(ok bool, err error) VerifyState {
	return VerifyState{done: true, ok: ok, err: err}
}

// IsVerified reports whether verification has run.
func (s VerifyState) IsVerified() bool {
	return s.done
}

// Result returns the settled outcome. It is only meaningful after
// IsVerified returns true.
func (s VerifyState) Result() (bool, error) {
	return s.ok, s.err
}

func (s VerifyState) String() string {
	switch {
	case !s.done:
		return "Unverified"
	case s.ok:
		return "Verified(true)"
	default:
		return "Verified(false)"
	}
}
