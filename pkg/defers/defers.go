package defers

import "sync"

// Defers maintains an ordered lifo list of cleanup functions. It is used to
// unwind partially acquired resources when a multi step operation fails.
type Defers interface {
	// Add adds a new function to the beginning of the list.
	Add(func())

	// CallAll invokes all deferred functions in reverse order of addition.
	CallAll()

	// Trigger tells the instance to (true) or not to (false) process the defers.
	Trigger(bool)
}

type defaultDefers struct {
	sync.Mutex

	fs      []func()
	trigger bool
	called  bool
}

// NewDefers returns a new instance of Defers.
func NewDefers() Defers {
	return &defaultDefers{
		fs:      []func(){},
		trigger: true,
	}
}

func (df *defaultDefers) Add(fn func()) {
	df.Lock()
	defer df.Unlock()
	df.fs = append([]func(){fn}, df.fs...)
}

func (df *defaultDefers) CallAll() {
	df.Lock()
	defer df.Unlock()
	if !df.trigger || df.called {
		return
	}
	df.called = true
	for _, fn := range df.fs {
		fn()
	}
}

func (df *defaultDefers) Trigger(input bool) {
	df.Lock()
	defer df.Unlock()
	df.trigger = input
}
