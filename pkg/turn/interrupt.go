package turn

// Interrupter stops whatever is playing on the call.
type Interrupter interface {
	Interrupt(reason string) error
}

// InterruptFunc adapts a function to Interrupter.
type InterruptFunc func(reason string) error

func (f InterruptFunc) Interrupt(reason string) error { return f(reason) }
