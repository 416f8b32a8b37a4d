package tensors

import "fmt"

// Variable is a named, mutable-by-convention tensor. Variables are registered
// in the engine's name-keyed map at creation and removed from it when
// disposed; names must be unique among live variables.
type Variable struct {
	*Tensor
	name      string
	trainable bool
}

// NewVariable wraps a tensor as a Variable. Meant to be called by the engine
// only -- users create variables through the engine, which enforces name
// uniqueness.
func NewVariable(t *Tensor, name string, trainable bool) *Variable {
	return &Variable{Tensor: t, name: name, trainable: trainable}
}

// Name returns the unique name of the variable.
func (v *Variable) Name() string { return v.name }

// Trainable returns whether the variable should receive gradients.
func (v *Variable) Trainable() bool { return v.trainable }

// String implements fmt.Stringer.
func (v *Variable) String() string {
	return fmt.Sprintf("Variable(%q, %s)", v.name, v.Shape())
}
