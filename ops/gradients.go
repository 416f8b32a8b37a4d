package ops

import (
	"strconv"

	"github.com/gotensor/gotensor/kernels"
	"github.com/gotensor/gotensor/types/tensors"
)

// Gradient configurations are registered once, kernel-name keyed, independent
// of backend.
func init() {
	thunk := func(t *tensors.Tensor) func() *tensors.Tensor {
		return func() *tensors.Tensor { return t }
	}

	kernels.RegisterGradient(kernels.GradientConfig{
		KernelName: "Identity",
		Gradient: kernels.UnaryGradient(func(e kernels.Dispatcher, dy *tensors.Tensor, _ []*tensors.Tensor, _ kernels.Attributes) kernels.InputGradients {
			return kernels.InputGradients{"x": thunk(dy)}
		}),
	})

	kernels.RegisterGradient(kernels.GradientConfig{
		KernelName: "Add",
		Gradient: kernels.UnaryGradient(func(e kernels.Dispatcher, dy *tensors.Tensor, _ []*tensors.Tensor, _ kernels.Attributes) kernels.InputGradients {
			return kernels.InputGradients{"a": thunk(dy), "b": thunk(dy)}
		}),
	})

	kernels.RegisterGradient(kernels.GradientConfig{
		KernelName: "Sub",
		Gradient: kernels.UnaryGradient(func(e kernels.Dispatcher, dy *tensors.Tensor, _ []*tensors.Tensor, _ kernels.Attributes) kernels.InputGradients {
			return kernels.InputGradients{
				"a": thunk(dy),
				"b": func() *tensors.Tensor { return Neg(e, dy) },
			}
		}),
	})

	kernels.RegisterGradient(kernels.GradientConfig{
		KernelName:   "Multiply",
		InputsToSave: []string{"a", "b"},
		Gradient: kernels.UnaryGradient(func(e kernels.Dispatcher, dy *tensors.Tensor, saved []*tensors.Tensor, _ kernels.Attributes) kernels.InputGradients {
			a, b := saved[0], saved[1]
			return kernels.InputGradients{
				"a": func() *tensors.Tensor { return Mul(e, dy, b) },
				"b": func() *tensors.Tensor { return Mul(e, dy, a) },
			}
		}),
	})

	kernels.RegisterGradient(kernels.GradientConfig{
		KernelName:   "Div",
		InputsToSave: []string{"a", "b"},
		Gradient: kernels.UnaryGradient(func(e kernels.Dispatcher, dy *tensors.Tensor, saved []*tensors.Tensor, _ kernels.Attributes) kernels.InputGradients {
			a, b := saved[0], saved[1]
			return kernels.InputGradients{
				"a": func() *tensors.Tensor { return Div(e, dy, b) },
				"b": func() *tensors.Tensor {
					// d(a/b)/db = -a/b^2
					return Neg(e, Div(e, Mul(e, dy, a), Mul(e, b, b)))
				},
			}
		}),
	})

	kernels.RegisterGradient(kernels.GradientConfig{
		KernelName:    "AddN",
		SaveAllInputs: true,
		Gradient: kernels.UnaryGradient(func(e kernels.Dispatcher, dy *tensors.Tensor, saved []*tensors.Tensor, _ kernels.Attributes) kernels.InputGradients {
			grads := make(kernels.InputGradients, len(saved))
			for i := range saved {
				grads[strconv.Itoa(i)] = thunk(dy)
			}
			return grads
		}),
	})

	kernels.RegisterGradient(kernels.GradientConfig{
		KernelName: "Neg",
		Gradient: kernels.UnaryGradient(func(e kernels.Dispatcher, dy *tensors.Tensor, _ []*tensors.Tensor, _ kernels.Attributes) kernels.InputGradients {
			return kernels.InputGradients{"x": func() *tensors.Tensor { return Neg(e, dy) }}
		}),
	})

	kernels.RegisterGradient(kernels.GradientConfig{
		KernelName:   "Square",
		InputsToSave: []string{"x"},
		Gradient: kernels.UnaryGradient(func(e kernels.Dispatcher, dy *tensors.Tensor, saved []*tensors.Tensor, _ kernels.Attributes) kernels.InputGradients {
			x := saved[0]
			return kernels.InputGradients{
				// d(x^2)/dx = 2x
				"x": func() *tensors.Tensor { return Mul(e, dy, Add(e, x, x)) },
			}
		}),
	})

	kernels.RegisterGradient(kernels.GradientConfig{
		KernelName:    "Sqrt",
		OutputsToSave: []bool{true},
		Gradient: kernels.UnaryGradient(func(e kernels.Dispatcher, dy *tensors.Tensor, saved []*tensors.Tensor, _ kernels.Attributes) kernels.InputGradients {
			y := saved[0]
			return kernels.InputGradients{
				// d(sqrt(x))/dx = 1/(2*sqrt(x)) = 1/(2y)
				"x": func() *tensors.Tensor { return Div(e, dy, Add(e, y, y)) },
			}
		}),
	})

	kernels.RegisterGradient(kernels.GradientConfig{
		KernelName:   "Reshape",
		InputsToSave: []string{"x"},
		Gradient: kernels.UnaryGradient(func(e kernels.Dispatcher, dy *tensors.Tensor, saved []*tensors.Tensor, _ kernels.Attributes) kernels.InputGradients {
			dims := saved[0].Shape().Dimensions
			return kernels.InputGradients{
				"x": func() *tensors.Tensor { return Reshape(e, dy, dims...) },
			}
		}),
	})

	kernels.RegisterGradient(kernels.GradientConfig{
		KernelName:   "Cast",
		InputsToSave: []string{"x"},
		Gradient: kernels.UnaryGradient(func(e kernels.Dispatcher, dy *tensors.Tensor, saved []*tensors.Tensor, _ kernels.Attributes) kernels.InputGradients {
			fromDType := saved[0].DType()
			return kernels.InputGradients{
				"x": func() *tensors.Tensor { return Cast(e, dy, fromDType) },
			}
		}),
	})

	kernels.RegisterGradient(kernels.GradientConfig{
		KernelName: "Complex",
		Gradient: kernels.UnaryGradient(func(e kernels.Dispatcher, dy *tensors.Tensor, _ []*tensors.Tensor, _ kernels.Attributes) kernels.InputGradients {
			return kernels.InputGradients{
				"real": func() *tensors.Tensor { return Real(e, dy) },
				"imag": func() *tensors.Tensor { return Imag(e, dy) },
			}
		}),
	})

	kernels.RegisterGradient(kernels.GradientConfig{
		KernelName: "Real",
		Gradient: kernels.UnaryGradient(func(e kernels.Dispatcher, dy *tensors.Tensor, _ []*tensors.Tensor, _ kernels.Attributes) kernels.InputGradients {
			return kernels.InputGradients{
				"x": func() *tensors.Tensor { return Complex(e, dy, ZerosLike(e, dy)) },
			}
		}),
	})

	kernels.RegisterGradient(kernels.GradientConfig{
		KernelName: "Imag",
		Gradient: kernels.UnaryGradient(func(e kernels.Dispatcher, dy *tensors.Tensor, _ []*tensors.Tensor, _ kernels.Attributes) kernels.InputGradients {
			return kernels.InputGradients{
				"x": func() *tensors.Tensor { return Complex(e, ZerosLike(e, dy), dy) },
			}
		}),
	})
}
