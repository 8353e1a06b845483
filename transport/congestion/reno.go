package congestion

// NewRenoSender returns a Controller running classic additive-increase/
// multiplicative-decrease TCP Reno instead of Cubic's window-growth
// curve, by configuring CubicSender's reno compatibility mode.
func NewRenoSender(initialWindow int) *CubicSender {
	return NewCubicSender(initialWindow, true)
}
